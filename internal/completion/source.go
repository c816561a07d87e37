// ABOUTME: Completion source contract used by the agent orchestrator
// ABOUTME: A source streams reply chunks for a list of conversation turns

package completion

import (
	"context"
	"errors"
)

// Role identifies who authored a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the prompt sent upstream.
type Turn struct {
	Role    Role
	Content string
}

// Chunk is one piece of a streamed reply. A chunk with Err set is terminal.
type Chunk struct {
	Text string
	Err  error
}

// ErrNoTurns is returned when Stream is called with an empty prompt.
var ErrNoTurns = errors.New("no turns to complete")

// ErrUpstream wraps failures of the upstream model service.
var ErrUpstream = errors.New("upstream failure")

// Source produces streamed completions. The returned channel is closed at the
// end of the stream, after at most one error chunk.
type Source interface {
	Stream(ctx context.Context, turns []Turn) (<-chan Chunk, error)
}

// send delivers c unless ctx is done. Reports whether the chunk was delivered.
func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
