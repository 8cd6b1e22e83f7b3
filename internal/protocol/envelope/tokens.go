package envelope

import "bytes"

// Liveness tokens are sent as-is, never JSON encoded.
const (
	TokenPing                 = "Ping"
	TokenAlive                = "Alive"
	TokenConnectionSuccessful = "Connection successful"
)

// IsToken reports whether payload is exactly token.
func IsToken(payload []byte, token string) bool {
	return bytes.Equal(payload, []byte(token))
}

// IsLivenessToken reports whether payload is one of the three liveness tokens.
func IsLivenessToken(payload []byte) bool {
	return IsToken(payload, TokenPing) ||
		IsToken(payload, TokenAlive) ||
		IsToken(payload, TokenConnectionSuccessful)
}
