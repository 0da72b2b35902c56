package auth

import "github.com/golang-jwt/jwt/v5"

// DecodeClaims extracts the claims from a JWT without verifying the
// signature. Tokens are introspected only for display and expiry hinting;
// validation is the server's job. Returns an empty map on any error.
func DecodeClaims(token string) map[string]any {
	claims := jwt.MapClaims{}

	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return map[string]any{}
	}

	return claims
}

// ClaimString returns a string claim, or fallback when absent or not a string.
func ClaimString(claims map[string]any, key, fallback string) string {
	if v, ok := claims[key].(string); ok && v != "" {
		return v
	}

	return fallback
}

// ClaimInt64 returns a numeric claim as int64, or 0 when absent. JSON numbers
// decode as float64.
func ClaimInt64(claims map[string]any, key string) int64 {
	if v, ok := claims[key].(float64); ok {
		return int64(v)
	}

	return 0
}
