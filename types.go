package trustcore

// LoginRequest is the JSON body of POST /auth/login.
type LoginRequest struct {
	// Ref is the login identifier (email or username)
	Ref string `json:"ref"`

	// Credential is the plaintext credential. Never persisted or logged.
	Credential string `json:"credential"`
}

// RegisterRequest is the JSON body of POST /auth/register.
type RegisterRequest struct {
	// Ref is the login identifier to register
	Ref string `json:"ref"`

	// Credential is the plaintext credential to hash and store
	Credential string `json:"credential"`
}

// RegisterResponse is the JSON response for a successful registration.
type RegisterResponse struct {
	// PrincipalID is the stable identifier of the created principal
	PrincipalID string `json:"principal_id"`
}

// RefreshRequest is the JSON body of POST /auth/refresh. The token being
// rotated travels in the Authorization header, not the body.
type RefreshRequest struct{}

// TokenResponse is the JSON response carrying an issued session token.
type TokenResponse struct {
	// AccessToken is the opaque bearer secret. It is shown exactly once;
	// only its hash is stored.
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the token
	ExpiresIn int64 `json:"expires_in"`
}

// LogoutResponse is the JSON response for a successful logout.
type LogoutResponse struct {
	// Revoked is true when the presented token was revoked (idempotent:
	// also true when it was already revoked)
	Revoked bool `json:"revoked"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}
