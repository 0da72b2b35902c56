package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fluidzero/fz-go/internal/api"
	"github.com/fluidzero/fz-go/internal/output"
)

var schemaListColumns = []output.Column{
	{Key: "id", Header: "ID"},
	{Key: "name", Header: "NAME"},
	{Key: "versionCount", Header: "VERSIONS"},
	{Key: "runCount", Header: "RUNS"},
	{Key: "latestVersionNumber", Header: "LATEST"},
	{Key: "createdAt", Header: "CREATED"},
}

// versionListColumns is shared with the prompts versions subcommands; both
// resources version the same way.
var versionListColumns = []output.Column{
	{Key: "versionNumber", Header: "VERSION"},
	{Key: "changeDescription", Header: "CHANGE DESCRIPTION"},
	{Key: "createdBy", Header: "CREATED BY"},
	{Key: "createdAt", Header: "CREATED"},
}

func newSchemasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schemas",
		Short: "Manage extraction schemas",
	}

	cmd.AddCommand(newSchemasCreateCmd())
	cmd.AddCommand(newSchemasListCmd())
	cmd.AddCommand(newSchemasGetCmd())
	cmd.AddCommand(newSchemasUpdateCmd())
	cmd.AddCommand(newSchemasDeleteCmd())
	cmd.AddCommand(newSchemaVersionsCmd())

	return cmd
}

func newSchemasCreateCmd() *cobra.Command {
	var project, file, inline, description, message string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := resolveProjectID(project)
			if err != nil {
				return err
			}

			schemaJSON, err := loadSchemaJSON(file, inline)
			if err != nil {
				return err
			}

			payload := map[string]any{"name": args[0], "jsonSchema": schemaJSON}
			if description != "" {
				payload["description"] = description
			}

			if message != "" {
				payload["changeDescription"] = message
			}

			data, err := newAPIClient().Post(cmd.Context(), "/api/projects/"+pid+"/schemas", payload)
			if err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Schema '%s' created.\n", args[0])
			}

			return printer().Print(data, schemaListColumns)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project ID")
	cmd.Flags().StringVar(&file, "file", "", "path to JSON file containing the schema")
	cmd.Flags().StringVar(&inline, "schema", "", "inline JSON string for the schema")
	cmd.Flags().StringVar(&description, "description", "", "schema description")
	cmd.Flags().StringVarP(&message, "message", "m", "", "change description for the initial version")

	return cmd
}

func newSchemasListCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schemas in a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, err := resolveProjectID(project)
			if err != nil {
				return err
			}

			data, err := newAPIClient().Get(cmd.Context(), "/api/projects/"+pid+"/schemas", nil)
			if err != nil {
				return err
			}

			return printer().Print(data, schemaListColumns)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project ID")

	return cmd
}

func newSchemasGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get SCHEMA_ID",
		Short: "Show details for a schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newAPIClient().Get(cmd.Context(), "/api/schemas/"+args[0], nil)
			if err != nil {
				return err
			}

			return printer().Print(data, schemaListColumns)
		},
	}
}

func newSchemasUpdateCmd() *cobra.Command {
	var name, description string

	cmd := &cobra.Command{
		Use:   "update SCHEMA_ID",
		Short: "Update a schema's name or description",
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

			data, err := newAPIClient().Put(cmd.Context(), "/api/schemas/"+args[0], payload)
			if err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Schema '%s' updated.\n", args[0])
			}

			return printer().Print(data, schemaListColumns)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "new schema name")
	cmd.Flags().StringVar(&description, "description", "", "new schema description")

	return cmd
}

func newSchemasDeleteCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "delete SCHEMA_ID",
		Short: "Delete a schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm && !confirmPrompt(fmt.Sprintf("Delete schema '%s'? This cannot be undone", args[0])) {
				return nil
			}

			if _, err := newAPIClient().Delete(cmd.Context(), "/api/schemas/"+args[0]); err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Schema '%s' deleted.\n", args[0])
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "skip confirmation prompt")

	return cmd
}

func newSchemaVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "Manage schema versions",
	}

	cmd.AddCommand(newSchemaVersionsCreateCmd())
	cmd.AddCommand(newSchemaVersionsListCmd())
	cmd.AddCommand(newSchemaVersionsGetCmd())
	cmd.AddCommand(newSchemaVersionsDiffCmd())

	return cmd
}

func newSchemaVersionsCreateCmd() *cobra.Command {
	var file, inline, message string

	cmd := &cobra.Command{
		Use:   "create SCHEMA_ID",
		Short: "Create a new version of a schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schemaJSON, err := loadSchemaJSON(file, inline)
			if err != nil {
				return err
			}

			payload := map[string]any{"jsonSchema": schemaJSON}
			if message != "" {
				payload["changeDescription"] = message
			}

			data, err := newAPIClient().Post(cmd.Context(), "/api/schemas/"+args[0]+"/versions", payload)
			if err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Version created for schema '%s'.\n", args[0])
			}

			return printer().Print(data, versionListColumns)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "path to JSON file containing the schema")
	cmd.Flags().StringVar(&inline, "schema", "", "inline JSON string for the schema")
	cmd.Flags().StringVarP(&message, "message", "m", "", "change description for this version")

	return cmd
}

func newSchemaVersionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list SCHEMA_ID",
		Short: "List versions of a schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newAPIClient().Get(cmd.Context(), "/api/schemas/"+args[0]+"/versions", nil)
			if err != nil {
				return err
			}

			return printer().Print(data, versionListColumns)
		},
	}
}

func newSchemaVersionsGetCmd() *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "get SCHEMA_ID",
		Short: "Show a specific schema version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/schemas/%s/versions/%d", args[0], version)

			data, err := newAPIClient().Get(cmd.Context(), path, nil)
			if err != nil {
				return err
			}

			return printer().Print(data, versionListColumns)
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "version number to retrieve")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}

func newSchemaVersionsDiffCmd() *cobra.Command {
	var fromVersion, toVersion int

	cmd := &cobra.Command{
		Use:   "diff SCHEMA_ID",
		Short: "Compare two schema versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient()

			fromSchema, err := fetchVersionSchema(cmd, client, args[0], fromVersion)
			if err != nil {
				return err
			}

			toSchema, err := fetchVersionSchema(cmd, client, args[0], toVersion)
			if err != nil {
				return err
			}

			diffs := deepDiff(fromSchema, toSchema, "")
			if diffs == nil {
				diffs = []string{}
			}

			out := cmd.OutOrStdout()

			// json mode emits both schemas plus the computed differences.
			if resolvedCfg.Output == "json" {
				result, err := json.MarshalIndent(map[string]any{
					"schemaId":    args[0],
					"fromVersion": fromVersion,
					"toVersion":   toVersion,
					"fromSchema":  fromSchema,
					"toSchema":    toSchema,
					"differences": diffs,
				}, "", "  ")
				if err != nil {
					return err
				}

				fmt.Fprintln(out, string(result))

				return nil
			}

			fmt.Fprintf(out, "Schema diff: v%d -> v%d\n", fromVersion, toVersion)
			fmt.Fprintf(out, "Schema: %s\n\n", args[0])

			if len(diffs) == 0 {
				fmt.Fprintln(out, "No differences found.")
				return nil
			}

			fmt.Fprintf(out, "%d difference(s):\n\n", len(diffs))

			for _, line := range diffs {
				fmt.Fprintln(out, line)
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&fromVersion, "from", 0, "base version number")
	cmd.Flags().IntVar(&toVersion, "to", 0, "target version number")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

// fetchVersionSchema retrieves one schema version and decodes its jsonSchema
// field. A missing field diffs as an empty object.
func fetchVersionSchema(cmd *cobra.Command, client *api.Client, schemaID string, version int) (any, error) {
	path := fmt.Sprintf("/api/schemas/%s/versions/%d", schemaID, version)

	data, err := client.Get(cmd.Context(), path, nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		JSONSchema any `json:"jsonSchema"`
	}

	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding schema version %d: %w", version, err)
	}

	if envelope.JSONSchema == nil {
		return map[string]any{}, nil
	}

	return envelope.JSONSchema, nil
}

// loadSchemaJSON reads a JSON schema from a file or an inline string, exactly
// one of which must be provided. The bytes are validated but kept raw so the
// schema round-trips to the API untouched.
func loadSchemaJSON(file, inline string) (json.RawMessage, error) {
	if file != "" && inline != "" {
		return nil, api.Exitf(api.ExitGeneralError, "Provide either --file or --schema, not both.")
	}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, api.Exitf(api.ExitGeneralError, "File not found: %s", file)
			}

			return nil, err
		}

		var parsed any
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, api.Exitf(api.ExitGeneralError, "Invalid JSON in %s: %v", file, err)
		}

		return json.RawMessage(data), nil
	}

	if inline != "" {
		var parsed any
		if err := json.Unmarshal([]byte(inline), &parsed); err != nil {
			return nil, api.Exitf(api.ExitGeneralError, "Invalid JSON string: %v", err)
		}

		return json.RawMessage(inline), nil
	}

	return nil, api.Exitf(api.ExitGeneralError, "Provide a JSON schema via --file or --schema.")
}

// deepDiff walks two decoded JSON values and reports added, removed, and
// changed paths. Objects diff by key, arrays by index, everything else by
// value. The empty path renders as (root).
func deepDiff(oldVal, newVal any, path string) []string {
	prefix := path
	if prefix == "" {
		prefix = "(root)"
	}

	oldMap, oldIsMap := oldVal.(map[string]any)
	newMap, newIsMap := newVal.(map[string]any)

	if oldIsMap && newIsMap {
		keys := make([]string, 0, len(oldMap)+len(newMap))
		seen := make(map[string]bool, len(oldMap)+len(newMap))

		for k := range oldMap {
			keys = append(keys, k)
			seen[k] = true
		}

		for k := range newMap {
			if !seen[k] {
				keys = append(keys, k)
			}
		}

		sort.Strings(keys)

		var lines []string

		for _, k := range keys {
			child := k
			if path != "" {
				child = path + "." + k
			}

			oldChild, inOld := oldMap[k]
			newChild, inNew := newMap[k]

			switch {
			case !inOld:
				lines = append(lines, fmt.Sprintf("  + added %s: %s", child, summarize(newChild)))
			case !inNew:
				lines = append(lines, fmt.Sprintf("  - removed %s: %s", child, summarize(oldChild)))
			default:
				lines = append(lines, deepDiff(oldChild, newChild, child)...)
			}
		}

		return lines
	}

	oldList, oldIsList := oldVal.([]any)
	newList, newIsList := newVal.([]any)

	if oldIsList && newIsList {
		var lines []string

		for i := 0; i < max(len(oldList), len(newList)); i++ {
			child := fmt.Sprintf("%s[%d]", path, i)

			switch {
			case i >= len(oldList):
				lines = append(lines, fmt.Sprintf("  + added %s: %s", child, summarize(newList[i])))
			case i >= len(newList):
				lines = append(lines, fmt.Sprintf("  - removed %s: %s", child, summarize(oldList[i])))
			default:
				lines = append(lines, deepDiff(oldList[i], newList[i], child)...)
			}
		}

		return lines
	}

	if oldIsMap != newIsMap || oldIsList != newIsList || !reflect.DeepEqual(oldVal, newVal) {
		return []string{fmt.Sprintf("  changed %s: %s -> %s", prefix, summarize(oldVal), summarize(newVal))}
	}

	return nil
}

// summarize renders a value as compact JSON capped at 80 runes for diff
// lines.
func summarize(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}

	r := []rune(string(b))
	if len(r) > 80 {
		return string(r[:77]) + "..."
	}

	return string(b)
}
