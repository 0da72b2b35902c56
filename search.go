package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newSearchCmd() *cobra.Command {
	var (
		project     string
		noCitations bool
	)

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search documents using natural language",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			includeCitations := !noCitations

			payload := map[string]any{
				"query":            args[0],
				"includeCitations": includeCitations,
			}

			// Project scope is optional: an explicit or ambient project
			// narrows the search, otherwise it spans the organization.
			pid := project
			if pid == "" {
				pid = resolvedCfg.Project
			}

			path := "/api/search"
			if pid != "" {
				path = "/api/projects/" + pid + "/search"
			}

			data, err := newAPIClient().Post(cmd.Context(), path, payload)
			if err != nil {
				return err
			}

			switch resolvedCfg.Output {
			case "json", "jsonl", "csv":
				return printer().Print(data, nil)
			}

			if flagQuiet {
				return nil
			}

			return renderSearchResults(cmd.OutOrStdout(), data, includeCitations)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "scope search to a project")
	cmd.Flags().BoolVar(&noCitations, "no-citations", false, "omit citation details from output")

	return cmd
}

type searchCitation struct {
	Doc     string `json:"doc"`
	Page    any    `json:"page"`
	Excerpt string `json:"excerpt"`
	URL     string `json:"url"`
}

type searchResult struct {
	Content   string           `json:"content"`
	Citations []searchCitation `json:"citations"`
}

// renderSearchResults writes the human-readable search output: numbered
// result blocks with optional indented citations.
func renderSearchResults(w io.Writer, data json.RawMessage, includeCitations bool) error {
	var resp struct {
		Results []searchResult `json:"results"`
	}

	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decoding search response: %w", err)
	}

	if len(resp.Results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return nil
	}

	for i, result := range resp.Results {
		fmt.Fprintf(w, "--- Result %d ---\n", i+1)
		fmt.Fprintln(w, result.Content)
		fmt.Fprintln(w)

		if !includeCitations || len(result.Citations) == 0 {
			continue
		}

		fmt.Fprintln(w, "  Citations:")

		for _, cit := range result.Citations {
			var parts []string
			if cit.Doc != "" {
				parts = append(parts, cit.Doc)
			}

			if page := pageLabel(cit.Page); page != "" {
				parts = append(parts, "p."+page)
			}

			label := "unknown source"
			if len(parts) > 0 {
				label = strings.Join(parts, ", ")
			}

			fmt.Fprintf(w, "    [%s]", label)

			if cit.URL != "" {
				fmt.Fprintf(w, "  %s", cit.URL)
			}

			fmt.Fprintln(w)

			for _, line := range splitExcerpt(cit.Excerpt) {
				fmt.Fprintf(w, "      %s\n", line)
			}
		}

		fmt.Fprintln(w)
	}

	return nil
}

// pageLabel renders a citation page reference, which the API returns as
// either a number or a string.
func pageLabel(v any) string {
	switch page := v.(type) {
	case nil:
		return ""
	case string:
		return page
	case float64:
		if page == 0 {
			return ""
		}

		return strconv.FormatFloat(page, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", page)
	}
}

func splitExcerpt(excerpt string) []string {
	if excerpt == "" {
		return nil
	}

	return strings.Split(strings.TrimRight(excerpt, "\n"), "\n")
}
