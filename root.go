package main

import (
	"log/slog"
	"os"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/fluidzero/fz-go/internal/api"
	"github.com/fluidzero/fz-go/internal/config"
	"github.com/fluidzero/fz-go/internal/credstore"
	"github.com/fluidzero/fz-go/internal/output"
	"github.com/fluidzero/fz-go/internal/upload"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagAPIURL  string
	flagProject string
	flagOutput  string
	flagQuiet   bool
	flagVerbose bool
	flagNoColor bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRun.
// It is available to all subcommands after the root pre-run phase completes.
var resolvedCfg *config.Config

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "fz",
		Short:   "FluidZero CLI",
		Long:    "Command-line client for the FluidZero document extraction service.",
		Version: version,
		// Silence Cobra's default error/usage printing; main() handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			loadConfig(cmd)

			if flagNoColor || os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stdout.Fd()) {
				text.DisableColors()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&flagAPIURL, "api-url", "", "API base URL")
	cmd.PersistentFlags().StringVarP(&flagProject, "project", "p", "", "project ID")
	cmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "", "output format (table, json, jsonl, csv)")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "disable colored output")

	cmd.AddCommand(newAuthCmd())
	cmd.AddCommand(newProjectsCmd())
	cmd.AddCommand(newDocumentsCmd())
	cmd.AddCommand(newSchemasCmd())
	cmd.AddCommand(newPromptsCmd())
	cmd.AddCommand(newRunsCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newBatchCmd())
	cmd.AddCommand(newWebhooksCmd())
	cmd.AddCommand(newAPIKeysCmd())
	cmd.AddCommand(newSearchCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the defaults, config
// files, environment, and flags. Only flags the user actually set override
// the lower layers.
func loadConfig(cmd *cobra.Command) {
	cli := config.CLIOverrides{}

	if cmd.Flags().Changed("api-url") {
		cli.APIURL = flagAPIURL
	}

	if cmd.Flags().Changed("project") {
		cli.Project = flagProject
	}

	if cmd.Flags().Changed("output") {
		cli.Output = flagOutput
	}

	resolvedCfg = config.Resolve(config.ReadEnvOverrides(), cli)
}

// buildLogger creates an slog.Logger honoring --verbose and --quiet.
func buildLogger() *slog.Logger {
	level := slog.LevelWarn

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newAPIClient builds the authenticated client against the resolved API URL.
func newAPIClient() *api.Client {
	store := credstore.New(config.CredentialsPath())
	return api.New(resolvedCfg.APIURL, store, buildLogger())
}

// newUploadEngine builds the multipart upload engine from the resolved
// config. Concurrency and retries are overridable per command.
func newUploadEngine(client *api.Client, concurrency int) *upload.Engine {
	cfg := *resolvedCfg
	if concurrency > 0 {
		cfg.UploadConcurrency = concurrency
	}

	return upload.NewEngine(client, &cfg, buildLogger())
}

// printer returns the stdout printer for the resolved output format.
func printer() *output.Printer {
	return output.NewPrinter(resolvedCfg.Output, flagQuiet)
}

// resolveProjectID applies the project precedence: per-command flag, then the
// resolved config (global flag, env, config file).
func resolveProjectID(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	if resolvedCfg.Project != "" {
		return resolvedCfg.Project, nil
	}

	return "", &api.ExitError{
		Code:    api.ExitGeneralError,
		Message: "No project specified",
		Hint:    "Pass -p/--project or set FZ_PROJECT_ID / defaults.project in config.",
	}
}
