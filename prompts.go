package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluidzero/fz-go/internal/api"
	"github.com/fluidzero/fz-go/internal/output"
)

var promptListColumns = []output.Column{
	{Key: "id", Header: "ID"},
	{Key: "name", Header: "NAME"},
	{Key: "versionCount", Header: "VERSIONS"},
	{Key: "runCount", Header: "RUNS"},
	{Key: "latestVersionNumber", Header: "LATEST"},
	{Key: "createdAt", Header: "CREATED"},
}

func newPromptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Manage extraction prompts",
	}

	cmd.AddCommand(newPromptsCreateCmd())
	cmd.AddCommand(newPromptsListCmd())
	cmd.AddCommand(newPromptsGetCmd())
	cmd.AddCommand(newPromptsUpdateCmd())
	cmd.AddCommand(newPromptsDeleteCmd())
	cmd.AddCommand(newPromptVersionsCmd())

	return cmd
}

func newPromptsCreateCmd() *cobra.Command {
	var project, file, text, description, message string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := resolveProjectID(project)
			if err != nil {
				return err
			}

			promptText, err := loadPromptText(file, text)
			if err != nil {
				return err
			}

			payload := map[string]any{"name": args[0], "promptText": promptText}
			if description != "" {
				payload["description"] = description
			}

			if message != "" {
				payload["changeDescription"] = message
			}

			data, err := newAPIClient().Post(cmd.Context(), "/api/projects/"+pid+"/prompts", payload)
			if err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Prompt '%s' created.\n", args[0])
			}

			return printer().Print(data, promptListColumns)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project ID")
	cmd.Flags().StringVar(&file, "file", "", "path to text file containing the prompt")
	cmd.Flags().StringVar(&text, "text", "", "inline prompt text")
	cmd.Flags().StringVar(&description, "description", "", "prompt description")
	cmd.Flags().StringVarP(&message, "message", "m", "", "change description for the initial version")

	return cmd
}

func newPromptsListCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List prompts in a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, err := resolveProjectID(project)
			if err != nil {
				return err
			}

			data, err := newAPIClient().Get(cmd.Context(), "/api/projects/"+pid+"/prompts", nil)
			if err != nil {
				return err
			}

			return printer().Print(data, promptListColumns)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project ID")

	return cmd
}

func newPromptsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get PROMPT_ID",
		Short: "Show details for a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newAPIClient().Get(cmd.Context(), "/api/prompts/"+args[0], nil)
			if err != nil {
				return err
			}

			return printer().Print(data, promptListColumns)
		},
	}
}

func newPromptsUpdateCmd() *cobra.Command {
	var name, description string

	cmd := &cobra.Command{
		Use:   "update PROMPT_ID",
		Short: "Update a prompt's name or description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			data, err := newAPIClient().Put(cmd.Context(), "/api/prompts/"+args[0], payload)
			if err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Prompt '%s' updated.\n", args[0])
			}

			return printer().Print(data, promptListColumns)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "new prompt name")
	cmd.Flags().StringVar(&description, "description", "", "new prompt description")

	return cmd
}

func newPromptsDeleteCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "delete PROMPT_ID",
		Short: "Delete a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm && !confirmPrompt(fmt.Sprintf("Delete prompt '%s'? This cannot be undone", args[0])) {
				return nil
			}

			if _, err := newAPIClient().Delete(cmd.Context(), "/api/prompts/"+args[0]); err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Prompt '%s' deleted.\n", args[0])
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "skip confirmation prompt")

	return cmd
}

func newPromptVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "Manage prompt versions",
	}

	cmd.AddCommand(newPromptVersionsCreateCmd())
	cmd.AddCommand(newPromptVersionsListCmd())
	cmd.AddCommand(newPromptVersionsGetCmd())

	return cmd
}

func newPromptVersionsCreateCmd() *cobra.Command {
	var file, text, message string

	cmd := &cobra.Command{
		Use:   "create PROMPT_ID",
		Short: "Create a new version of a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			promptText, err := loadPromptText(file, text)
			if err != nil {
				return err
			}

			payload := map[string]any{"promptText": promptText}
			if message != "" {
				payload["changeDescription"] = message
			}

			data, err := newAPIClient().Post(cmd.Context(), "/api/prompts/"+args[0]+"/versions", payload)
			if err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Version created for prompt '%s'.\n", args[0])
			}

			return printer().Print(data, versionListColumns)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "path to text file containing the prompt")
	cmd.Flags().StringVar(&text, "text", "", "inline prompt text")
	cmd.Flags().StringVarP(&message, "message", "m", "", "change description for this version")

	return cmd
}

func newPromptVersionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list PROMPT_ID",
		Short: "List versions of a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newAPIClient().Get(cmd.Context(), "/api/prompts/"+args[0]+"/versions", nil)
			if err != nil {
				return err
			}

			return printer().Print(data, versionListColumns)
		},
	}
}

func newPromptVersionsGetCmd() *cobra.Command {
	var (
		version  int
		textOnly bool
	)

	cmd := &cobra.Command{
		Use:   "get PROMPT_ID",
		Short: "Show a specific prompt version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/prompts/%s/versions/%d", args[0], version)

			data, err := newAPIClient().Get(cmd.Context(), path, nil)
			if err != nil {
				return err
			}

			// Raw prompt text on stdout for piping into editors or files.
			if textOnly {
				var v struct {
					PromptText string `json:"promptText"`
				}

				if err := json.Unmarshal(data, &v); err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), v.PromptText)

				return nil
			}

			return printer().Print(data, versionListColumns)
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "version number to retrieve")
	cmd.Flags().BoolVar(&textOnly, "text-only", false, "print only the raw prompt text to stdout")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}

// loadPromptText reads prompt text from a file or an inline string, exactly
// one of which must be provided.
func loadPromptText(file, text string) (string, error) {
	if file != "" && text != "" {
		return "", api.Exitf(api.ExitGeneralError, "Provide either --file or --text, not both.")
	}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", api.Exitf(api.ExitGeneralError, "File not found: %s", file)
			}

			return "", err
		}

		return string(data), nil
	}

	if text != "" {
		return text, nil
	}

	return "", api.Exitf(api.ExitGeneralError, "Provide prompt text via --file or --text.")
}
