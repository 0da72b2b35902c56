package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// CLIOverrides holds values from command-line flags. Empty strings and zero
// ints mean "not specified"; flags always win when set.
type CLIOverrides struct {
	APIURL  string
	Project string
	Output  string
}

// readFile parses a TOML config file. Missing or unparsable files read as
// empty; a broken config file should never block an invocation, matching
// the credential store's corruption tolerance.
func readFile(path string) fileConfig {
	var fc fileConfig

	if path == "" {
		return fc
	}

	if _, err := os.Stat(path); err != nil {
		return fc
	}

	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fileConfig{}
	}

	return fc
}

// merge overlays src onto dst: any value set in src wins.
func merge(dst, src fileConfig) fileConfig {
	if src.AuthKitSubdomain != "" {
		dst.AuthKitSubdomain = src.AuthKitSubdomain
	}

	if src.OAuthClientID != "" {
		dst.OAuthClientID = src.OAuthClientID
	}

	if src.Project != "" {
		dst.Project = src.Project
	}

	if src.Defaults.APIURL != "" {
		dst.Defaults.APIURL = src.Defaults.APIURL
	}

	if src.Defaults.Project != "" {
		dst.Defaults.Project = src.Defaults.Project
	}

	if src.Defaults.Output != "" {
		dst.Defaults.Output = src.Defaults.Output
	}

	if src.Upload.Concurrency != 0 {
		dst.Upload.Concurrency = src.Upload.Concurrency
	}

	if src.Upload.RetryAttempts != 0 {
		dst.Upload.RetryAttempts = src.Upload.RetryAttempts
	}

	if src.Runs.PollInterval != 0 {
		dst.Runs.PollInterval = src.Runs.PollInterval
	}

	if src.Runs.Timeout != 0 {
		dst.Runs.Timeout = src.Runs.Timeout
	}

	return dst
}

// Resolve applies the full override chain and returns the effective config:
// defaults <- global config file <- local .fluidzero.toml <- env <- CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) *Config {
	cwd, _ := os.Getwd()

	localPath := ""
	if cwd != "" {
		localPath = filepath.Join(cwd, LocalConfigFile)
	}

	fc := merge(readFile(GlobalConfigPath()), readFile(localPath))

	cfg := Default()

	// File layer. A top-level "project" key in the local file is accepted as
	// a convenience alias for defaults.project.
	if fc.Defaults.APIURL != "" {
		cfg.APIURL = fc.Defaults.APIURL
	}

	if fc.Defaults.Project != "" {
		cfg.Project = fc.Defaults.Project
	}

	if fc.Project != "" {
		cfg.Project = fc.Project
	}

	if fc.Defaults.Output != "" {
		cfg.Output = fc.Defaults.Output
	}

	if fc.AuthKitSubdomain != "" {
		cfg.AuthKitSubdomain = fc.AuthKitSubdomain
	}

	if fc.OAuthClientID != "" {
		cfg.OAuthClientID = fc.OAuthClientID
	}

	if fc.Upload.Concurrency > 0 {
		cfg.UploadConcurrency = fc.Upload.Concurrency
	}

	if fc.Upload.RetryAttempts > 0 {
		cfg.UploadRetryAttempts = fc.Upload.RetryAttempts
	}

	if fc.Runs.PollInterval > 0 {
		cfg.RunPollInterval = fc.Runs.PollInterval
	}

	if fc.Runs.Timeout > 0 {
		cfg.RunTimeout = fc.Runs.Timeout
	}

	// Environment layer.
	if env.APIURL != "" {
		cfg.APIURL = env.APIURL
	}

	if env.Project != "" {
		cfg.Project = env.Project
	}

	if env.Output != "" {
		cfg.Output = env.Output
	}

	if env.AuthKitSubdomain != "" {
		cfg.AuthKitSubdomain = env.AuthKitSubdomain
	}

	if env.OAuthClientID != "" {
		cfg.OAuthClientID = env.OAuthClientID
	}

	// CLI flag layer.
	if cli.APIURL != "" {
		cfg.APIURL = cli.APIURL
	}

	if cli.Project != "" {
		cfg.Project = cli.Project
	}

	if cli.Output != "" {
		cfg.Output = cli.Output
	}

	return cfg
}
