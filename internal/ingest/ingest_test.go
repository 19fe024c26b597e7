package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// collector is a Handler that records everything it accepts.
type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handler(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *collector) payloads() []string {
	var out []string
	for _, m := range c.messages() {
		out = append(out, string(m.Data))
	}
	return out
}

// runSource runs src in the background and returns a stop function that
// cancels it and asserts a clean shutdown.
func runSource(t *testing.T, src Source, h Handler) (stop func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, h) }()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				require.NoError(t, err, "source must shut down cleanly")
			case <-time.After(5 * time.Second):
				t.Fatal("source did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}
