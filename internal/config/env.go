package config

import "os"

// Environment variable names for overrides.
const (
	EnvAPIURL           = "FZ_API_URL"
	EnvProjectID        = "FZ_PROJECT_ID"
	EnvOutput           = "FZ_OUTPUT"
	EnvAuthKitSubdomain = "FZ_AUTHKIT_SUBDOMAIN"
	EnvOAuthClientID    = "FZ_OAUTH_CLIENT_ID"

	// M2M credentials are read by the HTTP engine, not the resolver, but the
	// names live here with the rest of the environment surface.
	EnvClientID     = "FZ_CLIENT_ID"
	EnvClientSecret = "FZ_CLIENT_SECRET"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	APIURL           string
	Project          string
	Output           string
	AuthKitSubdomain string
	OAuthClientID    string
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		APIURL:           os.Getenv(EnvAPIURL),
		Project:          os.Getenv(EnvProjectID),
		Output:           os.Getenv(EnvOutput),
		AuthKitSubdomain: os.Getenv(EnvAuthKitSubdomain),
		OAuthClientID:    os.Getenv(EnvOAuthClientID),
	}
}
