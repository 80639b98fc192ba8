package model

import "time"

// TokenState is the lifecycle state of a confirmation token.
type TokenState string

const (
	TokenQuoted    TokenState = "QUOTED"
	TokenConfirmed TokenState = "CONFIRMED"
	TokenCancelled TokenState = "CANCELLED"
	TokenExpired   TokenState = "EXPIRED"
)

// Terminal reports whether no further transitions are allowed.
func (s TokenState) Terminal() bool {
	return s == TokenConfirmed || s == TokenCancelled || s == TokenExpired
}

// ConfirmationToken is a short-lived, single-use option on a winning quote.
type ConfirmationToken struct {
	ID        string      `json:"id"`
	Quote     ScoredQuote `json:"quote"`
	State     TokenState  `json:"state"`
	IssuedAt  time.Time   `json:"issuedAt"`
	ExpiresAt time.Time   `json:"expiresAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// ExpiredAt reports whether the token's deadline has passed at t.
func (t *ConfirmationToken) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
