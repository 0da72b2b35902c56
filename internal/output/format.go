// Package output renders API responses to stdout in the selected format:
// an aligned table for humans, json, jsonl, or csv for pipelines.
package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// maxCellWidth truncates long cell values in table mode. Machine formats
// never truncate.
const maxCellWidth = 60

// Column maps a JSON field to a table or csv header.
type Column struct {
	Key    string
	Header string
}

// Printer writes formatted API data. Quiet suppresses all output.
type Printer struct {
	Out    io.Writer
	Format string // table, json, jsonl, csv
	Quiet  bool
}

// NewPrinter returns a stdout printer for the given format.
func NewPrinter(format string, quiet bool) *Printer {
	return &Printer{Out: os.Stdout, Format: format, Quiet: quiet}
}

// Print renders a raw API response. Paginated envelopes are unwrapped to
// their items; a single object renders as a one-row list. Columns selects
// and labels fields for table and csv modes; nil auto-detects from the first
// record with keys sorted alphabetically.
func (p *Printer) Print(data json.RawMessage, columns []Column) error {
	if p.Quiet {
		return nil
	}

	switch p.Format {
	case "json":
		return p.printJSON(data)
	case "jsonl":
		return p.printJSONL(data)
	case "csv":
		return p.printCSV(data, columns)
	default:
		return p.printTable(data, columns)
	}
}

func (p *Printer) printJSON(data json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, werr := p.Out.Write(data)
		return werr
	}

	buf.WriteByte('\n')

	_, err := p.Out.Write(buf.Bytes())

	return err
}

func (p *Printer) printJSONL(data json.RawMessage) error {
	rows, err := unwrap(data)
	if err != nil {
		return err
	}

	for _, row := range rows {
		var compact bytes.Buffer
		if err := json.Compact(&compact, row.raw); err != nil {
			return err
		}

		if _, err := fmt.Fprintln(p.Out, compact.String()); err != nil {
			return err
		}
	}

	return nil
}

func (p *Printer) printCSV(data json.RawMessage, columns []Column) error {
	rows, err := unwrap(data)
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		return nil
	}

	columns = resolveColumns(columns, rows[0], false)

	w := csv.NewWriter(p.Out)

	headers := make([]string, len(columns))
	for i, col := range columns {
		headers[i] = col.Header
	}

	if err := w.Write(headers); err != nil {
		return err
	}

	for _, row := range rows {
		record := make([]string, len(columns))
		for i, col := range columns {
			record[i] = cellString(row.fields[col.Key])
		}

		if err := w.Write(record); err != nil {
			return err
		}
	}

	w.Flush()

	return w.Error()
}

func (p *Printer) printTable(data json.RawMessage, columns []Column) error {
	rows, err := unwrap(data)
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		_, werr := fmt.Fprintln(p.Out, "No results.")
		return werr
	}

	columns = resolveColumns(columns, rows[0], true)

	t := table.NewWriter()
	t.SetOutputMirror(p.Out)

	style := table.StyleDefault
	style.Options.DrawBorder = false
	style.Options.SeparateColumns = false
	style.Options.SeparateHeader = false
	style.Options.SeparateRows = false
	t.SetStyle(style)

	header := make(table.Row, len(columns))
	for i, col := range columns {
		header[i] = col.Header
	}

	t.AppendHeader(header)

	for _, row := range rows {
		cells := make(table.Row, len(columns))
		for i, col := range columns {
			cells[i] = truncate(cellString(row.fields[col.Key]), maxCellWidth)
		}

		t.AppendRow(cells)
	}

	t.Render()

	return nil
}

// record pairs a row's decoded fields with its raw bytes so jsonl output
// round-trips the server payload untouched.
type record struct {
	raw    json.RawMessage
	fields map[string]json.RawMessage
}

// unwrap normalizes an API response to a flat row list: bare arrays pass
// through, an items envelope yields its items, any other object becomes a
// single row.
func unwrap(data json.RawMessage) ([]record, error) {
	trimmed := bytes.TrimSpace(data)

	var items []json.RawMessage

	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("output: decoding response list: %w", err)
		}
	case len(trimmed) > 0 && trimmed[0] == '{':
		var envelope struct {
			Items []json.RawMessage `json:"items"`
		}

		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("output: decoding response: %w", err)
		}

		if envelope.Items != nil {
			items = envelope.Items
		} else {
			items = []json.RawMessage{trimmed}
		}
	default:
		return nil, nil
	}

	rows := make([]record, 0, len(items))

	for _, item := range items {
		fields := map[string]json.RawMessage{}
		_ = json.Unmarshal(item, &fields)

		rows = append(rows, record{raw: item, fields: fields})
	}

	return rows, nil
}

// resolveColumns falls back to the first record's keys, sorted for stable
// output. Table mode upper-cases the auto headers.
func resolveColumns(columns []Column, first record, upper bool) []Column {
	if len(columns) > 0 {
		return columns
	}

	keys := make([]string, 0, len(first.fields))
	for k := range first.fields {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	auto := make([]Column, len(keys))
	for i, k := range keys {
		header := k
		if upper {
			header = strings.ToUpper(k)
		}

		auto[i] = Column{Key: k, Header: header}
	}

	return auto
}

// cellString renders one JSON value for a table or csv cell. Strings lose
// their quotes, null becomes empty, and composite values stay as JSON.
func cellString(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}

	return string(raw)
}

// truncate counts runes, not bytes, so multibyte values are never cut
// mid-character.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) > max {
		return string(r[:max-3]) + "..."
	}

	return s
}
