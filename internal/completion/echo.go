// ABOUTME: Local completion source that echoes the last user turn word by word
// ABOUTME: Used for development and end-to-end runs without an upstream model

package completion

import (
	"context"
	"strings"
	"time"
)

// Echo replies "Echo: <last user turn>", one word per chunk.
type Echo struct {
	// Delay is slept between chunks to mimic a real stream.
	Delay time.Duration
}

// Stream implements Source.
func (e *Echo) Stream(ctx context.Context, turns []Turn) (<-chan Chunk, error) {
	if len(turns) == 0 {
		return nil, ErrNoTurns
	}

	var last string
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			last = turns[i].Content
			break
		}
	}

	words := strings.Fields("Echo: " + last)
	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		for i, w := range words {
			if i > 0 {
				w = " " + w
				if e.Delay > 0 {
					select {
					case <-time.After(e.Delay):
					case <-ctx.Done():
						select {
						case out <- Chunk{Err: ctx.Err()}:
						default:
						}
						return
					}
				}
			}
			if !send(ctx, out, Chunk{Text: w}) {
				return
			}
		}
	}()
	return out, nil
}

var _ Source = (*Echo)(nil)
