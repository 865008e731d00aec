// Package conversation tracks threaded exchanges and serializes work per
// conversation: one worker per key, strict FIFO within a key, full
// concurrency across keys.
package conversation

import (
	"time"
)

// Key identifies one conversation. Thread is the anchor timestamp of the
// thread the exchange lives in; for a fresh top-level message it is the
// message's own timestamp, so the reply that starts the thread and all
// follow-ups inside it resolve to the same key.
type Key struct {
	Channel string
	Thread  string
}

// Outcome classifies how a turn ended.
type Outcome string

const (
	OutcomeAnswered Outcome = "answered"
	OutcomeNoData   Outcome = "no-data"
	OutcomeAborted  Outcome = "aborted"
	OutcomeFailed   Outcome = "failed"
)

// ActionStep records one tool call within a turn, kept as compact
// history for follow-up questions.
type ActionStep struct {
	Tool        string
	Args        map[string]any
	Observation string
	ErrKind     string
}

// Turn is one completed request/response exchange.
type Turn struct {
	ID         string
	Query      string
	Author     string
	Answer     string
	ArtifactID string
	Steps      []ActionStep
	Outcome    Outcome
	StartedAt  time.Time
	FinishedAt time.Time
}

// Conversation is the accumulated state for one key. It is only ever
// touched from the key's worker goroutine, so no locking is needed.
type Conversation struct {
	Key        Key
	Turns      []Turn
	LastActive time.Time
}

// Append records a finished turn.
func (c *Conversation) Append(t Turn) {
	c.Turns = append(c.Turns, t)
	c.LastActive = t.FinishedAt
}

// Recent returns up to n most recent turns, oldest first.
func (c *Conversation) Recent(n int) []Turn {
	if n <= 0 || len(c.Turns) <= n {
		return c.Turns
	}
	return c.Turns[len(c.Turns)-n:]
}
