package dialog

import (
	"sync"
	"time"
)

type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerSystem Speaker = "system"
)

// Turn is one finalized utterance attributed to the caller or the system.
type Turn struct {
	ID        string
	Speaker   Speaker
	Text      string
	StartedAt time.Time
	EndedAt   time.Time
}

// Context is the bounded per-call dialogue window. Append-only; once the cap
// is reached the oldest turn is evicted first.
type Context struct {
	mu    sync.Mutex
	max   int
	turns []Turn
}

func NewContext(maxTurns int) *Context {
	if maxTurns <= 0 {
		maxTurns = 1
	}
	return &Context{max: maxTurns}
}

func (c *Context) Append(t Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, t)
	if len(c.turns) > c.max {
		c.turns = c.turns[len(c.turns)-c.max:]
	}
}

// Turns returns a copy ordered oldest first.
func (c *Context) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}
