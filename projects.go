package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluidzero/fz-go/internal/api"
	"github.com/fluidzero/fz-go/internal/output"
)

var projectListColumns = []output.Column{
	{Key: "id", Header: "ID"},
	{Key: "name", Header: "NAME"},
	{Key: "documentCount", Header: "DOCS"},
	{Key: "schemaCount", Header: "SCHEMAS"},
	{Key: "runCount", Header: "RUNS"},
	{Key: "createdAt", Header: "CREATED"},
}

func newProjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Manage projects",
	}

	cmd.AddCommand(newProjectsListCmd())
	cmd.AddCommand(newProjectsCreateCmd())
	cmd.AddCommand(newProjectsGetCmd())
	cmd.AddCommand(newProjectsUpdateCmd())
	cmd.AddCommand(newProjectsDeleteCmd())

	return cmd
}

func newProjectsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := newAPIClient().Get(cmd.Context(), "/api/projects", nil)
			if err != nil {
				return err
			}

			return printer().Print(data, projectListColumns)
		},
	}
}

func newProjectsCreateCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"name": args[0]}
			if description != "" {
				payload["description"] = description
			}

			data, err := newAPIClient().Post(cmd.Context(), "/api/projects", payload)
			if err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Project created: %s\n", extractID(data))
			}

			return printer().Print(data, nil)
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "project description")

	return cmd
}

func newProjectsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [PROJECT_ID]",
		Short: "Show details for a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := resolveProjectID(firstArg(args))
			if err != nil {
				return err
			}

			data, err := newAPIClient().Get(cmd.Context(), "/api/projects/"+pid, nil)
			if err != nil {
				return err
			}

			return printer().Print(data, nil)
		},
	}
}

func newProjectsUpdateCmd() *cobra.Command {
	var name, description string

	cmd := &cobra.Command{
		Use:   "update [PROJECT_ID]",
		Short: "Update a project's name or description",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := resolveProjectID(firstArg(args))
			if err != nil {
				return err
			}

			if name == "" && description == "" {
				return api.Exitf(api.ExitGeneralError, "Provide at least --name or --description to update.")
			}

			payload := map[string]any{}
			if name != "" {
				payload["name"] = name
			}

			if description != "" {
				payload["description"] = description
			}

			data, err := newAPIClient().Put(cmd.Context(), "/api/projects/"+pid, payload)
			if err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Project updated: %s\n", pid)
			}

			return printer().Print(data, nil)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "new project name")
	cmd.Flags().StringVarP(&description, "description", "d", "", "new project description")

	return cmd
}

func newProjectsDeleteCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "delete [PROJECT_ID]",
		Short: "Delete a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := resolveProjectID(firstArg(args))
			if err != nil {
				return err
			}

			if !confirm && !confirmPrompt(fmt.Sprintf("Delete project %s? This cannot be undone", pid)) {
				return nil
			}

			if _, err := newAPIClient().Delete(cmd.Context(), "/api/projects/"+pid); err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Project deleted: %s\n", pid)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "skip confirmation prompt")

	return cmd
}

// extractID pulls the id field out of a raw API object for status messages.
func extractID(data json.RawMessage) string {
	var obj struct {
		ID string `json:"id"`
	}

	_ = json.Unmarshal(data, &obj)

	return obj.ID
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}

	return ""
}

// confirmPrompt asks a yes/no question on the terminal. Anything but an
// explicit yes declines.
func confirmPrompt(question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", question)

	var answer string
	_, _ = fmt.Scanln(&answer)

	return answer == "y" || answer == "Y" || answer == "yes"
}
