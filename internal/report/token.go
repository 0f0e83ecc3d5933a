// Package report defines the Token, Progress, and Report data model shared
// by the Queue, Registry, and JobContext.
package report

import (
	"time"

	"github.com/google/uuid"
)

// Token is the opaque, unique identifier of a job. It is the primary key
// used by the Queue, the Registry, and every external API that refers to
// a job.
type Token struct {
	Value     string     `json:"value"`
	Expires   bool       `json:"expires"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// NewToken generates a fresh Token. If ttl is zero, the token never expires.
func NewToken(ttl time.Duration) Token {
	t := Token{Value: uuid.NewString()}
	if ttl > 0 {
		t.Expires = true
		expiresAt := time.Now().Add(ttl)
		t.ExpiresAt = &expiresAt
	}
	return t
}

// Expired reports whether the token has passed its expiration time.
func (t Token) Expired() bool {
	return t.Expires && t.ExpiresAt != nil && time.Now().After(*t.ExpiresAt)
}

func (t Token) String() string {
	return t.Value
}
