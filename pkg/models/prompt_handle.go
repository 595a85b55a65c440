// Package models contains shared data models used across the promptq codebase.
package models

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/google/uuid"
)

const (
	StatePending    = "pending"
	StateInProgress = "in_progress"
	StateFinished   = "finished"
	StateFailed     = "failed"
)

// RendezvousTokenLength is the length of the token identifying a handle's
// stream endpoint and pub/sub channel. The token is a bearer capability:
// anyone holding it can read or write the stream, so it is generated from
// crypto/rand and never reused.
const RendezvousTokenLength = 128

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// PromptHandle is one unit of requested LLM work. The state only moves
// forward: pending -> in_progress -> finished (or failed). A handle is never
// deleted by this subsystem.
type PromptHandle struct {
	ID                 uuid.UUID `db:"id"                json:"id"`
	State              string    `db:"state"             json:"state"`
	ModelName          string    `db:"model_name"        json:"model_name"`
	Prompt             string    `db:"prompt"            json:"prompt"`
	Params             *Params   `db:"params"            json:"params,omitempty"`
	RendezvousToken    string    `db:"rendezvous_token"  json:"rendezvous_token"`
	TimeSpentPendingMs *int64    `db:"time_spent_pending_ms" json:"time_spent_pending_ms,omitempty"`

	// Generation results, populated at finished.
	Response                 *string  `db:"response"        json:"response,omitempty"`
	ResponseLength           *int     `db:"response_length" json:"response_length,omitempty"`
	ResponseTimeTakenSeconds *float64 `db:"response_time_taken_seconds" json:"response_time_taken_seconds,omitempty"`

	// Embedding result, populated at finished. Mutually exclusive with Response.
	Embedding []float64 `db:"embedding" json:"embedding,omitempty"`

	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
	ModifiedAt   time.Time `db:"modified_at"   json:"modified_at"`
}

// Terminal reports whether the handle has reached a terminal state.
func (h *PromptHandle) Terminal() bool {
	return h.State == StateFinished || h.State == StateFailed
}

// NewRendezvousToken generates a fresh URL-safe rendezvous token.
func NewRendezvousToken() string {
	buf := make([]byte, RendezvousTokenLength)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails if the OS entropy source is broken.
			panic(err)
		}
		buf[i] = tokenAlphabet[n.Int64()]
	}
	return string(buf)
}
