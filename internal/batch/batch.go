// Package batch drives directory-scale processing: upload files in fixed
// size batches, create a run per batch, wait for each run, and collect the
// results either in memory or streamed to a JSONL file.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fluidzero/fz-go/internal/api"
	"github.com/fluidzero/fz-go/internal/upload"
)

// Options configures one batch invocation.
type Options struct {
	SchemaDefinitionID string
	BatchSize          int    // files per batch, minimum 1
	OutputFile         string // JSONL destination; empty keeps results in memory
	Timeout            int    // per-run wait budget in seconds; 0 uses the default
	PollInterval       int    // seconds between run polls; 0 uses the default
	Quiet              bool
}

// Result summarizes a completed batch invocation. Results is nil when
// streaming to a file.
type Result struct {
	Files       int
	Batches     int
	ResultCount int
	Results     []json.RawMessage
}

// Runner wires the upload engine and API client into the batch loop.
type Runner struct {
	api    *api.Client
	engine *upload.Engine
	logger *slog.Logger
	stderr io.Writer
}

// NewRunner builds a Runner around an existing client and upload engine.
func NewRunner(client *api.Client, engine *upload.Engine, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{api: client, engine: engine, logger: logger, stderr: os.Stderr}
}

// Process scans dir for supported documents and runs the batch loop. Each
// batch uploads with wait-for-ready, creates one run, waits for it, and
// collects its results before the next batch starts. The first failed batch
// stops the loop.
func (r *Runner) Process(ctx context.Context, projectID, dir string, opts Options) (*Result, error) {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}

	files, err := upload.ScanDirectory(dir)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, api.Exitf(api.ExitGeneralError, "No supported files found in %s.", dir)
	}

	if !opts.Quiet {
		fmt.Fprintf(r.stderr, "Found %d file(s) in %s.\n", len(files), dir)
	}

	batches := partition(files, opts.BatchSize)

	if !opts.Quiet {
		fmt.Fprintf(r.stderr, "Processing in %d batch(es) of up to %d files.\n",
			len(batches), opts.BatchSize)
	}

	var sink *jsonlSink

	if opts.OutputFile != "" {
		sink, err = newJSONLSink(opts.OutputFile)
		if err != nil {
			return nil, err
		}
		defer sink.Close()
	}

	result := &Result{Files: len(files), Batches: len(batches)}

	for i, batchFiles := range batches {
		if !opts.Quiet {
			fmt.Fprintf(r.stderr, "\n--- Batch %d/%d (%d files) ---\n",
				i+1, len(batches), len(batchFiles))
		}

		if _, err := r.engine.UploadFiles(ctx, projectID, batchFiles, upload.MultiOptions{
			Wait:  true,
			Quiet: opts.Quiet,
		}); err != nil {
			return result, err
		}

		run, err := r.api.CreateRun(ctx, projectID, &api.RunRequest{
			SchemaDefinitionID: opts.SchemaDefinitionID,
		})
		if err != nil {
			return result, err
		}

		if !opts.Quiet {
			fmt.Fprintf(r.stderr, "Run created: %s\n", run.ID)
		}

		if _, err := r.api.WaitForRun(ctx, run.ID, api.WaitOptions{
			PollInterval: secondsToDuration(opts.PollInterval),
			Timeout:      secondsToDuration(opts.Timeout),
			Quiet:        opts.Quiet,
			Status:       r.stderr,
		}); err != nil {
			return result, err
		}

		results, err := r.api.FetchAllResults(ctx, run.ID)
		if err != nil {
			return result, err
		}

		result.ResultCount += len(results)

		if !opts.Quiet {
			fmt.Fprintf(r.stderr, "Batch %d complete: %d result(s).\n", i+1, len(results))
		}

		if sink != nil {
			if err := sink.WriteAll(results); err != nil {
				return result, err
			}
		} else {
			result.Results = append(result.Results, results...)
		}
	}

	if !opts.Quiet {
		fmt.Fprintf(r.stderr, "\nBatch processing complete: %d file(s), %d batch(es), %d total result(s).\n",
			result.Files, result.Batches, result.ResultCount)

		if opts.OutputFile != "" {
			fmt.Fprintf(r.stderr, "Results written to %s\n", opts.OutputFile)
		}
	}

	return result, nil
}

// partition splits files into consecutive batches of at most size entries.
func partition(files []string, size int) [][]string {
	var batches [][]string

	for start := 0; start < len(files); start += size {
		end := start + size
		if end > len(files) {
			end = len(files)
		}

		batches = append(batches, files[start:end])
	}

	return batches
}

// jsonlSink streams results to a file one JSON object per line, flushing
// after every batch so a crash mid-run loses at most the current batch.
type jsonlSink struct {
	f *os.File
}

func newJSONLSink(path string) (*jsonlSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, api.Exitf(api.ExitGeneralError, "Cannot write %s: %v", path, err)
	}

	return &jsonlSink{f: f}, nil
}

func (s *jsonlSink) WriteAll(results []json.RawMessage) error {
	for _, res := range results {
		if _, err := s.f.Write(res); err != nil {
			return api.Exitf(api.ExitGeneralError, "Writing results: %v", err)
		}

		if _, err := s.f.Write([]byte{'\n'}); err != nil {
			return api.Exitf(api.ExitGeneralError, "Writing results: %v", err)
		}
	}

	return s.f.Sync()
}

func (s *jsonlSink) Close() error {
	return s.f.Close()
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
