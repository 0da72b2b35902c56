package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluidzero/fz-go/internal/api"
	"github.com/fluidzero/fz-go/internal/batch"
	"github.com/fluidzero/fz-go/internal/upload"
)

// newRunCmd is the composite workflow: upload files, create a run, and
// optionally wait for results.
func newRunCmd() *cobra.Command {
	var (
		flags       runCreateFlags
		uploadPaths []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Upload files, create a run, and optionally wait for results",
		Long: "Convenience command combining upload and run creation. " +
			"Without --upload files it simply creates and optionally waits for a run.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, err := resolveProjectID(flags.project)
			if err != nil {
				return err
			}

			client := newAPIClient()

			if len(uploadPaths) > 0 {
				if !flagQuiet {
					fmt.Fprintf(os.Stderr, "Uploading %d file(s)...\n", len(uploadPaths))
				}

				engine := newUploadEngine(client, 0)

				// Documents must be ready before the run sees them.
				if _, err := engine.UploadFiles(cmd.Context(), pid, uploadPaths, upload.MultiOptions{
					Wait:  true,
					Quiet: flagQuiet,
				}); err != nil {
					return err
				}
			}

			req, err := flags.request()
			if err != nil {
				return err
			}

			run, err := client.CreateRun(cmd.Context(), pid, req)
			if err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Run created: %s\n", run.ID)
			}

			if !flags.wait {
				return printer().Print(run.Raw(), nil)
			}

			if _, err := waitForRun(cmd.Context(), client, run.ID, flags.timeout); err != nil {
				if errors.Is(err, api.ErrInterrupted) {
					return nil
				}

				return err
			}

			results, err := client.FetchAllResults(cmd.Context(), run.ID)
			if err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Run completed with %d result(s).\n", len(results))
			}

			return printer().Print(resultsEnvelope(results), nil)
		},
	}

	flags.register(cmd, false)
	cmd.Flags().StringArrayVar(&uploadPaths, "upload", nil, "file(s) to upload before creating the run (repeatable)")

	return cmd
}

// newBatchCmd processes a directory of files in batches.
func newBatchCmd() *cobra.Command {
	var (
		project     string
		schemaID    string
		inputDir    string
		batchSize   int
		concurrency int
		outputFile  string
		timeout     int
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Batch-process a directory of files: upload, run, collect results",
		Long: "Scans a directory for supported files, uploads in batches, creates a run " +
			"after each batch, waits for completion, and collects all results.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, err := resolveProjectID(project)
			if err != nil {
				return err
			}

			client := newAPIClient()
			runner := batch.NewRunner(client, newUploadEngine(client, concurrency), buildLogger())

			result, err := runner.Process(cmd.Context(), pid, inputDir, batch.Options{
				SchemaDefinitionID: schemaID,
				BatchSize:          batchSize,
				OutputFile:         outputFile,
				Timeout:            timeout,
				PollInterval:       resolvedCfg.RunPollInterval,
				Quiet:              flagQuiet,
			})
			if err != nil {
				return err
			}

			if outputFile == "" {
				return printer().Print(resultsEnvelope(result.Results), nil)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project ID")
	cmd.Flags().StringVar(&schemaID, "schema", "", "schema definition ID")
	cmd.Flags().StringVar(&inputDir, "dir", "", "directory of files to process")
	cmd.Flags().IntVar(&batchSize, "batch-size", 10, "files per batch")
	cmd.Flags().IntVar(&concurrency, "concurrency", 2, "upload concurrency")
	cmd.Flags().StringVar(&outputFile, "output-file", "", "write results to this file as JSONL")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "timeout in seconds per run (default from config)")
	_ = cmd.MarkFlagRequired("schema")
	_ = cmd.MarkFlagRequired("dir")

	return cmd
}

// resultsEnvelope wraps collected results in the paginated shape the printer
// understands.
func resultsEnvelope(items []json.RawMessage) json.RawMessage {
	if items == nil {
		items = []json.RawMessage{}
	}

	out, _ := json.Marshal(map[string]any{
		"items": items,
		"total": len(items),
	})

	return out
}
