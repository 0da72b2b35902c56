// Package config resolves the effective CLI configuration from the
// five-layer override chain: hardcoded defaults, the global config file
// (<config>/fluidzero/config.toml), the local .fluidzero.toml in the
// working directory, environment variables, and command-line flags.
package config

// Service defaults. The OAuth values are public PKCE identifiers, not secrets.
const (
	DefaultAPIURL           = "https://api-staging.fluidzero.ai"
	DefaultAuthKitSubdomain = "euphoric-grape-60-staging"
	DefaultOAuthClientID    = "client_01KGA8ECKMDH8GWPZR00QGPTBZ"
)

// Upload and run defaults.
const (
	DefaultUploadConcurrency   = 5
	DefaultUploadRetryAttempts = 3
	DefaultRunPollInterval     = 2   // seconds
	DefaultRunTimeout          = 600 // seconds
)

// Config is the fully resolved configuration used by commands.
type Config struct {
	APIURL           string
	Project          string
	Output           string
	AuthKitSubdomain string
	OAuthClientID    string

	UploadConcurrency   int
	UploadRetryAttempts int

	RunPollInterval int // seconds
	RunTimeout      int // seconds
}

// Default returns a Config populated with all default values.
func Default() *Config {
	return &Config{
		APIURL:              DefaultAPIURL,
		Output:              "table",
		AuthKitSubdomain:    DefaultAuthKitSubdomain,
		OAuthClientID:       DefaultOAuthClientID,
		UploadConcurrency:   DefaultUploadConcurrency,
		UploadRetryAttempts: DefaultUploadRetryAttempts,
		RunPollInterval:     DefaultRunPollInterval,
		RunTimeout:          DefaultRunTimeout,
	}
}

// fileConfig is the on-disk TOML shape. All fields are optional; zero values
// mean "not set" and fall through to the next layer.
type fileConfig struct {
	AuthKitSubdomain string `toml:"authkit_subdomain"`
	OAuthClientID    string `toml:"oauth_client_id"`
	Project          string `toml:"project"`

	Defaults struct {
		APIURL  string `toml:"api_url"`
		Project string `toml:"project"`
		Output  string `toml:"output"`
	} `toml:"defaults"`

	Upload struct {
		Concurrency   int `toml:"concurrency"`
		RetryAttempts int `toml:"retry_attempts"`
	} `toml:"upload"`

	Runs struct {
		PollInterval int `toml:"poll_interval"`
		Timeout      int `toml:"timeout"`
	} `toml:"runs"`
}
