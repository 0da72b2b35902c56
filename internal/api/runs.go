package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"time"
)

// resultPageLimit is the page size used when collecting run results.
const resultPageLimit = 100

// ErrInterrupted reports that a wait loop was cancelled by the user. The run
// keeps executing server-side; commands treat this as a clean stop.
var ErrInterrupted = errors.New("api: interrupted")

// CreateRun posts a new extraction run to the project.
func (c *Client) CreateRun(ctx context.Context, projectID string, req *RunRequest) (*Run, error) {
	body, err := c.Post(ctx, "/api/projects/"+projectID+"/runs", req)
	if err != nil {
		return nil, err
	}

	run, err := decodeRun(body)
	if err != nil {
		return nil, fmt.Errorf("api: decoding run: %w", err)
	}

	return run, nil
}

// GetRun fetches a run snapshot.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	body, err := c.Get(ctx, "/api/runs/"+runID, nil)
	if err != nil {
		return nil, err
	}

	run, err := decodeRun(body)
	if err != nil {
		return nil, fmt.Errorf("api: decoding run: %w", err)
	}

	return run, nil
}

// CancelRun requests cancellation of a running extraction run.
func (c *Client) CancelRun(ctx context.Context, runID string) (json.RawMessage, error) {
	return c.Post(ctx, "/api/runs/"+runID+"/cancel", nil)
}

// GetDocument fetches a document snapshot.
func (c *Client) GetDocument(ctx context.Context, docID string) (*Document, error) {
	body, err := c.Get(ctx, "/api/documents/"+docID, nil)
	if err != nil {
		return nil, err
	}

	doc, err := DecodeDocument(body)
	if err != nil {
		return nil, fmt.Errorf("api: decoding document: %w", err)
	}

	return doc, nil
}

// WaitOptions configures WaitForRun.
type WaitOptions struct {
	PollInterval time.Duration // default 2s
	Timeout      time.Duration // default 600s
	Quiet        bool
	Status       io.Writer // carriage-return status line sink; nil = none
}

// WaitForRun polls a run until it reaches a terminal status. A single status
// line is rewritten in place on opts.Status unless quiet. A failed run maps
// to the run-failed exit code; exceeding the timeout maps to the timeout
// code. Context cancellation returns ErrInterrupted together with the last
// observed snapshot; the run continues server-side.
func (c *Client) WaitForRun(ctx context.Context, runID string, opts WaitOptions) (*Run, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 600 * time.Second
	}

	start := time.Now()

	var run *Run

	for {
		var err error

		run, err = c.GetRun(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return run, ErrInterrupted
			}

			return nil, err
		}

		if !opts.Quiet && opts.Status != nil {
			progress := ""
			if run.ProgressPercent != nil {
				progress = strconv.FormatFloat(*run.ProgressPercent, 'f', -1, 64)
			}

			fmt.Fprintf(opts.Status, "\r  Status: %s  Progress: %s%%  %s    ",
				run.Status, progress, run.ProgressMessage)
		}

		if run.Terminal() {
			if !opts.Quiet && opts.Status != nil {
				fmt.Fprintln(opts.Status)
			}

			break
		}

		if time.Since(start) > opts.Timeout {
			if !opts.Quiet && opts.Status != nil {
				fmt.Fprintln(opts.Status)
			}

			return run, &ExitError{Code: ExitTimeout, Message: "Timeout waiting for run"}
		}

		if err := c.sleepFunc(ctx, opts.PollInterval); err != nil {
			return run, ErrInterrupted
		}
	}

	if run.Status == RunFailed {
		msg := run.ErrorMessage
		if msg == "" {
			msg = "unknown error"
		}

		return run, &ExitError{Code: ExitRunFailed, Message: "Run failed: " + msg}
	}

	return run, nil
}

// FetchAllResults pages through a run's results, 100 at a time, until the
// reported total is covered or an empty page arrives.
func (c *Client) FetchAllResults(ctx context.Context, runID string) ([]json.RawMessage, error) {
	var results []json.RawMessage

	offset := 0

	for {
		params := url.Values{
			"offset": {strconv.Itoa(offset)},
			"limit":  {strconv.Itoa(resultPageLimit)},
		}

		var page ResultPage
		if err := c.GetJSON(ctx, "/api/runs/"+runID+"/results", params, &page); err != nil {
			return nil, err
		}

		results = append(results, page.Items...)

		if offset+resultPageLimit >= page.Total || len(page.Items) == 0 {
			break
		}

		offset += resultPageLimit
	}

	c.logger.Debug("collected run results",
		slog.String("run_id", runID),
		slog.Int("count", len(results)),
	)

	return results, nil
}
