package api

import "time"

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// Context selects the credential lifetime: "interactive" (default),
	// "extension" or "elevated".
	Context string `json:"context,omitempty"`
}

// LoginResponse is returned from POST /auth/login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MeResponse is returned from GET /auth/me.
type MeResponse struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	Name         string    `json:"name"`
	DealershipID *int64    `json:"dealershipId"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ActionTokenResponse is returned from POST /actions/{resourceID}/{action}/token.
type ActionTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedeemRequest is the JSON body for POST /actions/redeem.
type RedeemRequest struct {
	Token     string `json:"token"`
	UserID    int64  `json:"userId"`
	VehicleID int64  `json:"vehicleId"`
	Platform  string `json:"platform"`
}

// RedeemResponse is returned from a successful POST /actions/redeem.
type RedeemResponse struct {
	Valid bool `json:"valid"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
