package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fluidzero/fz-go/internal/api"
	"github.com/fluidzero/fz-go/internal/output"
)

var webhookListColumns = []output.Column{
	{Key: "id", Header: "ID"},
	{Key: "name", Header: "NAME"},
	{Key: "url", Header: "URL"},
	{Key: "eventTypes", Header: "EVENTS"},
	{Key: "isActive", Header: "ACTIVE"},
	{Key: "createdAt", Header: "CREATED"},
}

var deliveryListColumns = []output.Column{
	{Key: "id", Header: "ID"},
	{Key: "eventType", Header: "EVENT"},
	{Key: "success", Header: "SUCCESS"},
	{Key: "statusCode", Header: "STATUS"},
	{Key: "attemptNumber", Header: "ATTEMPT"},
	{Key: "createdAt", Header: "CREATED"},
}

func newWebhooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Manage webhook configurations",
	}

	cmd.AddCommand(newWebhooksCreateCmd())
	cmd.AddCommand(newWebhooksListCmd())
	cmd.AddCommand(newWebhooksGetCmd())
	cmd.AddCommand(newWebhooksUpdateCmd())
	cmd.AddCommand(newWebhooksDeleteCmd())
	cmd.AddCommand(newWebhooksTestCmd())
	cmd.AddCommand(newWebhooksDeliveriesCmd())

	return cmd
}

func newWebhooksCreateCmd() *cobra.Command {
	var (
		project        string
		name           string
		webhookURL     string
		description    string
		secret         string
		events         []string
		maxRetries     int
		retryInterval  int
		headersJSON    string
		includeResults bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new webhook configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, err := resolveProjectID(project)
			if err != nil {
				return err
			}

			payload := map[string]any{"name": name, "url": webhookURL}

			if description != "" {
				payload["description"] = description
			}

			if secret != "" {
				payload["secret"] = secret
			}

			if len(events) > 0 {
				payload["eventTypes"] = events
			}

			if cmd.Flags().Changed("max-retries") {
				payload["maxRetries"] = maxRetries
			}

			if cmd.Flags().Changed("retry-interval") {
				payload["retryIntervalSeconds"] = retryInterval
			}

			if includeResults {
				payload["includeResults"] = true
			}

			headers, err := parseHeadersJSON(headersJSON)
			if err != nil {
				return err
			}

			if headers != nil {
				payload["customHeaders"] = headers
			}

			data, err := newAPIClient().Post(cmd.Context(), "/api/projects/"+pid+"/webhooks", payload)
			if err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Webhook created: %s\n", extractID(data))
			}

			return printer().Print(data, nil)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project ID")
	cmd.Flags().StringVar(&name, "name", "", "webhook name")
	cmd.Flags().StringVar(&webhookURL, "url", "", "webhook delivery URL (https)")
	cmd.Flags().StringVar(&description, "description", "", "webhook description")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret for request verification")
	cmd.Flags().StringArrayVar(&events, "event", nil, "event types to subscribe to (repeatable)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "max delivery retry attempts")
	cmd.Flags().IntVar(&retryInterval, "retry-interval", 0, "seconds between retries")
	cmd.Flags().StringVar(&headersJSON, "headers", "", "custom headers as JSON object")
	cmd.Flags().BoolVar(&includeResults, "include-results", false, "include run results in payload")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

func newWebhooksListCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List webhooks for a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, err := resolveProjectID(project)
			if err != nil {
				return err
			}

			data, err := newAPIClient().Get(cmd.Context(), "/api/projects/"+pid+"/webhooks", nil)
			if err != nil {
				return err
			}

			return printer().Print(data, webhookListColumns)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project ID")

	return cmd
}

func newWebhooksGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get WEBHOOK_ID",
		Short: "Show details for a webhook configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newAPIClient().Get(cmd.Context(), "/api/webhooks/"+args[0], nil)
			if err != nil {
				return err
			}

			return printer().Print(data, nil)
		},
	}
}

func newWebhooksUpdateCmd() *cobra.Command {
	var (
		name           string
		webhookURL     string
		description    string
		secret         string
		events         []string
		maxRetries     int
		retryInterval  int
		headersJSON    string
		includeResults bool
		active         bool
		inactive       bool
	)

	cmd := &cobra.Command{
		Use:   "update WEBHOOK_ID",
		Short: "Update a webhook configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{}

			if cmd.Flags().Changed("name") {
				payload["name"] = name
			}

			if cmd.Flags().Changed("url") {
				payload["url"] = webhookURL
			}

			if cmd.Flags().Changed("description") {
				payload["description"] = description
			}

			if cmd.Flags().Changed("secret") {
				payload["secret"] = secret
			}

			if len(events) > 0 {
				payload["eventTypes"] = events
			}

			if cmd.Flags().Changed("max-retries") {
				payload["maxRetries"] = maxRetries
			}

			if cmd.Flags().Changed("retry-interval") {
				payload["retryIntervalSeconds"] = retryInterval
			}

			if cmd.Flags().Changed("include-results") {
				payload["includeResults"] = includeResults
			}

			if active {
				payload["isActive"] = true
			}

			if inactive {
				payload["isActive"] = false
			}

			headers, err := parseHeadersJSON(headersJSON)
			if err != nil {
				return err
			}

			if headers != nil {
				payload["customHeaders"] = headers
			}

			if len(payload) == 0 {
				return api.Exitf(api.ExitGeneralError, "Provide at least one field to update.")
			}

			data, err := newAPIClient().Put(cmd.Context(), "/api/webhooks/"+args[0], payload)
			if err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Webhook updated: %s\n", args[0])
			}

			return printer().Print(data, nil)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "new webhook name")
	cmd.Flags().StringVar(&webhookURL, "url", "", "new delivery URL")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&secret, "secret", "", "new signing secret")
	cmd.Flags().StringArrayVar(&events, "event", nil, "replace event types (repeatable)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "max delivery retry attempts")
	cmd.Flags().IntVar(&retryInterval, "retry-interval", 0, "seconds between retries")
	cmd.Flags().StringVar(&headersJSON, "headers", "", "custom headers as JSON object")
	cmd.Flags().BoolVar(&includeResults, "include-results", false, "include run results in payload")
	cmd.Flags().BoolVar(&active, "active", false, "enable the webhook")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "disable the webhook")
	cmd.MarkFlagsMutuallyExclusive("active", "inactive")

	return cmd
}

func newWebhooksDeleteCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "delete WEBHOOK_ID",
		Short: "Delete a webhook configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm && !confirmPrompt(fmt.Sprintf("Delete webhook %s? This cannot be undone", args[0])) {
				return nil
			}

			if _, err := newAPIClient().Delete(cmd.Context(), "/api/webhooks/"+args[0]); err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "Webhook deleted: %s\n", args[0])
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "skip confirmation prompt")

	return cmd
}

func newWebhooksTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test WEBHOOK_ID",
		Short: "Send a test delivery to a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newAPIClient().Post(cmd.Context(), "/api/webhooks/"+args[0]+"/test", nil)
			if err != nil {
				return err
			}

			if !flagQuiet {
				var result struct {
					Success    bool   `json:"success"`
					StatusCode int    `json:"statusCode"`
					Error      string `json:"error"`
				}

				_ = json.Unmarshal(data, &result)

				if result.Success {
					fmt.Fprintf(os.Stderr, "Test delivery successful (HTTP %d).\n", result.StatusCode)
				} else {
					errMsg := result.Error
					if errMsg == "" {
						errMsg = "unknown error"
					}

					fmt.Fprintf(os.Stderr, "Test delivery failed: %s (HTTP %d).\n", errMsg, result.StatusCode)
				}
			}

			return printer().Print(data, nil)
		},
	}
}

func newWebhooksDeliveriesCmd() *cobra.Command {
	var (
		success   string
		eventType string
		limit     int
		offset    int
	)

	cmd := &cobra.Command{
		Use:   "deliveries WEBHOOK_ID",
		Short: "List delivery attempts for a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}

			if success != "" {
				if success != "true" && success != "false" {
					return api.Exitf(api.ExitGeneralError, "--success must be true or false.")
				}

				params.Set("success", success)
			}

			if eventType != "" {
				params.Set("eventType", eventType)
			}

			if cmd.Flags().Changed("limit") {
				params.Set("limit", strconv.Itoa(limit))
			}

			if cmd.Flags().Changed("offset") {
				params.Set("offset", strconv.Itoa(offset))
			}

			data, err := newAPIClient().Get(cmd.Context(), "/api/webhooks/"+args[0]+"/deliveries", params)
			if err != nil {
				return err
			}

			return printer().Print(data, deliveryListColumns)
		},
	}

	cmd.Flags().StringVar(&success, "success", "", "filter by success (true/false)")
	cmd.Flags().StringVar(&eventType, "event-type", "", "filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 0, "max deliveries to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset for pagination")

	return cmd
}

// parseHeadersJSON decodes the --headers value, which must be a JSON object.
// An empty value means the flag was not given.
func parseHeadersJSON(value string) (map[string]any, error) {
	if value == "" {
		return nil, nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		return nil, api.Exitf(api.ExitGeneralError, "Invalid JSON for --headers: %v", err)
	}

	headers, ok := parsed.(map[string]any)
	if !ok {
		return nil, api.Exitf(api.ExitGeneralError, "--headers must be a JSON object.")
	}

	return headers, nil
}
