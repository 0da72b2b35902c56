package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fluidzero/fz-go/internal/api"
	"github.com/fluidzero/fz-go/internal/output"
	"github.com/fluidzero/fz-go/internal/upload"
)

var documentListColumns = []output.Column{
	{Key: "id", Header: "ID"},
	{Key: "fileName", Header: "FILE NAME"},
	{Key: "fileType", Header: "TYPE"},
	{Key: "fileSizeBytes", Header: "SIZE (B)"},
	{Key: "status", Header: "STATUS"},
	{Key: "createdAt", Header: "CREATED"},
}

func newDocumentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "Manage documents within a project",
	}

	cmd.AddCommand(newDocumentsUploadCmd())
	cmd.AddCommand(newDocumentsListCmd())
	cmd.AddCommand(newDocumentsGetCmd())
	cmd.AddCommand(newDocumentsDeleteCmd())

	return cmd
}

func newDocumentsUploadCmd() *cobra.Command {
	var (
		project string
		wait    bool
		resume  bool
	)

	cmd := &cobra.Command{
		Use:   "upload FILES...",
		Short: "Upload one or more files to a project",
		Long:  "Upload files to a project. FILES can be paths or glob patterns (e.g. docs/*.pdf).",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := resolveProjectID(project)
			if err != nil {
				return err
			}

			paths, err := expandPaths(args)
			if err != nil {
				return err
			}

			if len(paths) == 0 {
				return api.Exitf(api.ExitGeneralError, "No files to upload.")
			}

			client := newAPIClient()
			engine := newUploadEngine(client, 0)

			docs, err := engine.UploadFiles(cmd.Context(), pid, paths, upload.MultiOptions{
				Wait:   wait,
				Resume: resume,
				Quiet:  flagQuiet,
			})
			if err != nil {
				return err
			}

			return printer().Print(documentsJSON(docs), documentListColumns)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project ID")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for processing to complete")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume interrupted uploads")

	return cmd
}

func newDocumentsListCmd() *cobra.Command {
	var project, status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents in a project",
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

			data, err := newAPIClient().Get(cmd.Context(), "/api/projects/"+pid+"/documents", params)
			if err != nil {
				return err
			}

			return printer().Print(data, documentListColumns)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project ID")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (e.g. ready, processing, failed)")

	return cmd
}

func newDocumentsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get DOCUMENT_ID",
		Short: "Show details for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newAPIClient().Get(cmd.Context(), "/api/documents/"+args[0], nil)
			if err != nil {
				return err
			}

			return printer().Print(data, nil)
		},
	}
}

func newDocumentsDeleteCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "delete DOCUMENT_ID",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm && !confirmPrompt(fmt.Sprintf("Delete document %s? This cannot be undone", args[0])) {
				return nil
			}

			if _, err := newAPIClient().Delete(cmd.Context(), "/api/documents/"+args[0]); err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Document deleted: %s\n", args[0])
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "skip confirmation prompt")

	return cmd
}

// expandPaths resolves arguments that may be literal files or glob patterns,
// deduplicating while preserving order.
func expandPaths(args []string) ([]string, error) {
	var resolved []string

	for _, pattern := range args {
		if info, err := os.Stat(pattern); err == nil && !info.IsDir() {
			resolved = append(resolved, pattern)
			continue
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, api.Exitf(api.ExitGeneralError, "Invalid pattern %q: %v", pattern, err)
		}

		sort.Strings(matches)

		var files []string

		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && !info.IsDir() {
				files = append(files, m)
			}
		}

		if len(files) == 0 {
			fmt.Fprintf(os.Stderr, "Warning: No files matched '%s'\n", pattern)
		}

		resolved = append(resolved, files...)
	}

	seen := make(map[string]bool, len(resolved))

	var unique []string

	for _, p := range resolved {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}

		if !seen[abs] {
			seen[abs] = true
			unique = append(unique, p)
		}
	}

	return unique, nil
}

// documentsJSON renders uploaded documents as a raw list for the printer.
func documentsJSON(docs []*api.Document) json.RawMessage {
	items := make([]json.RawMessage, 0, len(docs))

	for _, d := range docs {
		if raw := d.Raw(); len(raw) > 0 {
			items = append(items, raw)
			continue
		}

		b, _ := json.Marshal(d)
		items = append(items, b)
	}

	out, _ := json.Marshal(items)

	return out
}
