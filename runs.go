package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluidzero/fz-go/internal/api"
	"github.com/fluidzero/fz-go/internal/output"
)

var runListColumns = []output.Column{
	{Key: "id", Header: "ID"},
	{Key: "status", Header: "STATUS"},
	{Key: "schemaName", Header: "SCHEMA"},
	{Key: "versionNumber", Header: "VERSION"},
	{Key: "resultCount", Header: "RESULTS"},
	{Key: "durationSeconds", Header: "DURATION(s)"},
	{Key: "createdAt", Header: "CREATED"},
}

var resultListColumns = []output.Column{
	{Key: "sequenceNumber", Header: "SEQ"},
	{Key: "documentId", Header: "DOCUMENT"},
	{Key: "qualityScore", Header: "QUALITY"},
	{Key: "data", Header: "DATA"},
}

var eventListColumns = []output.Column{
	{Key: "id", Header: "ID"},
	{Key: "status", Header: "STATUS"},
	{Key: "message", Header: "MESSAGE"},
	{Key: "createdAt", Header: "CREATED"},
}

var runDocumentColumns = []output.Column{
	{Key: "id", Header: "ID"},
	{Key: "documentId", Header: "DOCUMENT"},
	{Key: "fileName", Header: "FILE"},
	{Key: "status", Header: "STATUS"},
	{Key: "createdAt", Header: "CREATED"},
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Manage extraction runs",
	}

	cmd.AddCommand(newRunsCreateCmd())
	cmd.AddCommand(newRunsListCmd())
	cmd.AddCommand(newRunsGetCmd())
	cmd.AddCommand(newRunsWatchCmd())
	cmd.AddCommand(newRunsCancelCmd())
	cmd.AddCommand(newRunsResultsCmd())
	cmd.AddCommand(newRunsDocumentsCmd())
	cmd.AddCommand(newRunsEventsCmd())

	return cmd
}

// runCreateFlags holds the run-creation options shared by `fz runs create`
// and the composite `fz run` command.
type runCreateFlags struct {
	project       string
	schemaID      string
	schemaVersion string
	promptID      string
	promptVersion string
	webhookID     string
	paramsJSON    string
	externalID    string
	pipeline      string
	wait          bool
	timeout       int
}

func (f *runCreateFlags) register(cmd *cobra.Command, includePipeline bool) {
	cmd.Flags().StringVarP(&f.project, "project", "p", "", "project ID")
	cmd.Flags().StringVar(&f.schemaID, "schema", "", "schema definition ID")
	cmd.Flags().StringVar(&f.schemaVersion, "schema-version", "", "schema version ID")
	cmd.Flags().StringVar(&f.promptID, "prompt", "", "prompt definition ID")
	cmd.Flags().StringVar(&f.webhookID, "webhook", "", "webhook config ID")
	cmd.Flags().StringVar(&f.paramsJSON, "params", "", "input parameters as JSON string")
	cmd.Flags().StringVar(&f.externalID, "external-id", "", "external run ID for tracking")
	cmd.Flags().BoolVar(&f.wait, "wait", false, "wait for run to complete")
	cmd.Flags().IntVar(&f.timeout, "timeout", 0, "timeout in seconds when waiting (default from config)")
	_ = cmd.MarkFlagRequired("schema")

	if includePipeline {
		cmd.Flags().StringVar(&f.promptVersion, "prompt-version", "", "prompt version ID")
		cmd.Flags().StringVar(&f.pipeline, "pipeline", "", "pipeline identifier")
	}
}

func (f *runCreateFlags) request() (*api.RunRequest, error) {
	req := &api.RunRequest{
		SchemaDefinitionID: f.schemaID,
		SchemaVersionID:    f.schemaVersion,
		PromptDefinitionID: f.promptID,
		PromptVersionID:    f.promptVersion,
		WebhookConfigID:    f.webhookID,
		ExternalRunID:      f.externalID,
		Pipeline:           f.pipeline,
	}

	if f.paramsJSON != "" {
		if !json.Valid([]byte(f.paramsJSON)) {
			return nil, api.Exitf(api.ExitGeneralError, "Invalid JSON for --params")
		}

		req.InputParameters = json.RawMessage(f.paramsJSON)
	}

	return req, nil
}

func newRunsCreateCmd() *cobra.Command {
	var flags runCreateFlags

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new extraction run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, err := resolveProjectID(flags.project)
			if err != nil {
				return err
			}

			req, err := flags.request()
			if err != nil {
				return err
			}

			client := newAPIClient()

			run, err := client.CreateRun(cmd.Context(), pid, req)
			if err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Run created: %s\n", run.ID)
			}

			if flags.wait {
				run, err = waitForRun(cmd.Context(), client, run.ID, flags.timeout)
				if errors.Is(err, api.ErrInterrupted) {
					return nil
				}

				if err != nil {
					return err
				}
			}

			return printer().Print(run.Raw(), nil)
		},
	}

	flags.register(cmd, true)

	return cmd
}

func newRunsListCmd() *cobra.Command {
	var (
		project  string
		status   string
		schemaID string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs for a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, err := resolveProjectID(project)
			if err != nil {
				return err
			}

			params := url.Values{}
			if status != "" {
				params.Set("status", status)
			}

			if schemaID != "" {
				params.Set("schemaId", schemaID)
			}

			if cmd.Flags().Changed("limit") {
				params.Set("limit", strconv.Itoa(limit))
			}

			if cmd.Flags().Changed("offset") {
				params.Set("offset", strconv.Itoa(offset))
			}

			data, err := newAPIClient().Get(cmd.Context(), "/api/projects/"+pid+"/runs", params)
			if err != nil {
				return err
			}

			return printer().Print(data, runListColumns)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project ID")
	cmd.Flags().StringVar(&status, "status", "", "filter by run status")
	cmd.Flags().StringVar(&schemaID, "schema", "", "filter by schema definition ID")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset for pagination")

	return cmd
}

func newRunsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get RUN_ID",
		Short: "Show details for a specific run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newAPIClient().Get(cmd.Context(), "/api/runs/"+args[0], nil)
			if err != nil {
				return err
			}

			return printer().Print(data, nil)
		},
	}
}

func newRunsWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch RUN_ID",
		Short: "Watch a run's progress in real time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			run, err := newAPIClient().WaitForRun(ctx, runID, api.WaitOptions{
				PollInterval: pollInterval(),
				Timeout:      waitTimeout(0),
				Quiet:        flagQuiet,
				Status:       os.Stderr,
			})

			if errors.Is(err, api.ErrInterrupted) {
				fmt.Fprintf(os.Stderr, "\nStopped watching. Run %s continues on server.\n", runID)
				return nil
			}

			var ee *api.ExitError

			switch {
			case err == nil:
				fmt.Fprintf(os.Stderr, "Run %s completed successfully.\n", runID)
			case errors.As(err, &ee) && ee.Code == api.ExitRunFailed:
				fmt.Fprintf(os.Stderr, "Run %s failed: %s\n", runID, run.ErrorMessage)
				return err
			default:
				return err
			}

			if run.Status == api.RunCancelled {
				fmt.Fprintf(os.Stderr, "Run %s was cancelled.\n", runID)
			}

			return nil
		},
	}
}

func newRunsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a running extraction run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newAPIClient().CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Run cancelled: %s\n", args[0])
			}

			return printer().Print(data, nil)
		},
	}
}

func newRunsResultsCmd() *cobra.Command {
	var (
		resultID string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "results RUN_ID",
		Short: "List or get results for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient()

			if resultID != "" {
				data, err := client.Get(cmd.Context(), "/api/runs/"+args[0]+"/results/"+resultID, nil)
				if err != nil {
					return err
				}

				return printer().Print(data, nil)
			}

			params := url.Values{}
			if cmd.Flags().Changed("limit") {
				params.Set("limit", strconv.Itoa(limit))
			}

			if cmd.Flags().Changed("offset") {
				params.Set("offset", strconv.Itoa(offset))
			}

			data, err := client.Get(cmd.Context(), "/api/runs/"+args[0]+"/results", params)
			if err != nil {
				return err
			}

			return printer().Print(data, resultListColumns)
		},
	}

	cmd.Flags().StringVar(&resultID, "result", "", "specific result ID")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset for pagination")

	return cmd
}

func newRunsDocumentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "documents RUN_ID",
		Short: "List document snapshots for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newAPIClient().Get(cmd.Context(), "/api/runs/"+args[0]+"/documents", nil)
			if err != nil {
				return err
			}

			return printer().Print(data, runDocumentColumns)
		},
	}
}

func newRunsEventsCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "events RUN_ID",
		Short: "List status events for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if cmd.Flags().Changed("limit") {
				params.Set("limit", strconv.Itoa(limit))
			}

			if cmd.Flags().Changed("offset") {
				params.Set("offset", strconv.Itoa(offset))
			}

			data, err := newAPIClient().Get(cmd.Context(), "/api/runs/"+args[0]+"/status-events", params)
			if err != nil {
				return err
			}

			return printer().Print(data, eventListColumns)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "max events to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset for pagination")

	return cmd
}

// waitForRun wraps the poller with interrupt handling shared by the wait
// variants of run commands.
func waitForRun(parent context.Context, client *api.Client, runID string, timeoutSecs int) (*api.Run, error) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	run, err := client.WaitForRun(ctx, runID, api.WaitOptions{
		PollInterval: pollInterval(),
		Timeout:      waitTimeout(timeoutSecs),
		Quiet:        flagQuiet,
		Status:       os.Stderr,
	})

	if errors.Is(err, api.ErrInterrupted) {
		fmt.Fprintf(os.Stderr, "\nInterrupted. Run %s continues on server.\n", runID)
	}

	return run, err
}

func pollInterval() time.Duration {
	return time.Duration(resolvedCfg.RunPollInterval) * time.Second
}

// waitTimeout prefers an explicit per-command timeout over the configured one.
func waitTimeout(explicitSecs int) time.Duration {
	if explicitSecs > 0 {
		return time.Duration(explicitSecs) * time.Second
	}

	return time.Duration(resolvedCfg.RunTimeout) * time.Second
}
