package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"
	"github.com/mattn/go-isatty"

	"github.com/fluidzero/fz-go/internal/api"
)

// MultiOptions configures a multi-file upload.
type MultiOptions struct {
	Wait   bool
	Resume bool
	Quiet  bool
}

// UploadFiles uploads files sequentially, each with its own progress tracker.
// The first failure stops the sequence; a user cancellation is reported but
// not returned as an error. Documents for the files that completed are always
// returned.
func (e *Engine) UploadFiles(ctx context.Context, projectID string, paths []string, opts MultiOptions) ([]*api.Document, error) {
	var totalBytes int64

	sizes := make(map[string]int64, len(paths))

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, api.Exitf(api.ExitGeneralError, "Cannot read %s: %v", p, err)
		}

		sizes[p] = info.Size()
		totalBytes += info.Size()
	}

	pw := e.progressWriter(opts.Quiet)
	if pw != nil {
		go pw.Render()
		defer stopRender(pw)
	}

	defer e.InterruptScope()()

	var docs []*api.Document

	for _, p := range paths {
		name := filepath.Base(p)

		if !opts.Quiet {
			fmt.Fprintf(e.stderr, "Uploading %s (%s)\n", name, HumanSize(sizes[p]))
		}

		var tracker *progress.Tracker
		if pw != nil {
			tracker = &progress.Tracker{
				Message: "  " + name,
				Total:   sizes[p],
				Units:   progress.UnitsBytes,
			}
			pw.AppendTracker(tracker)
		}

		fileOpts := Options{Wait: opts.Wait, Resume: opts.Resume}
		if tracker != nil {
			fileOpts.Progress = tracker.Increment
		}

		doc, err := e.UploadFile(ctx, projectID, p, fileOpts)
		if err != nil {
			if tracker != nil {
				tracker.MarkAsErrored()
			}

			if errors.Is(err, ErrAborted) {
				fmt.Fprintln(e.stderr, "Upload cancelled by user.")
				e.summarize(docs, len(paths), totalBytes, opts.Quiet)

				return docs, ErrAborted
			}

			fmt.Fprintf(e.stderr, "Error uploading %s: %v\n", name, err)
			e.summarize(docs, len(paths), totalBytes, opts.Quiet)

			return docs, err
		}

		if tracker != nil {
			tracker.MarkAsDone()
		}

		docs = append(docs, doc)
	}

	e.summarize(docs, len(paths), totalBytes, opts.Quiet)

	return docs, nil
}

// summarize prints the trailing upload count line.
func (e *Engine) summarize(docs []*api.Document, total int, totalBytes int64, quiet bool) {
	if quiet {
		return
	}

	if len(docs) == total {
		fmt.Fprintf(e.stderr, "\nUploaded %d document(s) (%s total)\n", len(docs), HumanSize(totalBytes))
		return
	}

	fmt.Fprintf(e.stderr, "\nUploaded %d of %d document(s)\n", len(docs), total)
}

// progressWriter builds a byte-unit progress renderer when stderr is a
// terminal. Quiet mode and redirected output get none.
func (e *Engine) progressWriter(quiet bool) progress.Writer {
	if quiet {
		return nil
	}

	f, ok := e.stderr.(*os.File)
	if !ok || !isatty.IsTerminal(f.Fd()) {
		return nil
	}

	pw := progress.NewWriter()
	pw.SetOutputWriter(e.stderr)
	pw.SetAutoStop(false)
	pw.SetTrackerLength(25)
	pw.SetUpdateFrequency(100 * time.Millisecond)
	pw.Style().Visibility.Speed = true

	return pw
}

// stopRender stops the progress writer and waits for the final frame.
func stopRender(pw progress.Writer) {
	pw.Stop()

	for pw.IsRenderInProgress() {
		time.Sleep(10 * time.Millisecond)
	}
}
