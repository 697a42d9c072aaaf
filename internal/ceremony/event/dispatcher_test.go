package event

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Consume(_ context.Context, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcherDeliversAndDrainsOnClose(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	d := NewDispatcher(sink, 16)

	for range 10 {
		d.Emit(New(Authenticated).WithUser("owner-1"))
	}
	d.Close()

	require.Equal(t, 10, sink.len())
	require.Zero(t, d.Dropped())
}

func TestDispatcherEmitAfterClose(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(&recordingSink{}, 16)
	d.Close()

	// Must not panic or block.
	d.Emit(New(Lockout))
}

func TestDispatcherNilSafe(t *testing.T) {
	t.Parallel()

	var d *Dispatcher
	d.Emit(New(Lockout))
	d.Close()
	require.Zero(t, d.Dropped())
}

func TestEventBuilders(t *testing.T) {
	t.Parallel()

	e := New(MultiFactorChallenged).WithUser("owner-1").WithMethod("totp").WithScope("mfa")
	require.Equal(t, MultiFactorChallenged, e.Type)
	require.Equal(t, "owner-1", e.UserID)
	require.Equal(t, "totp", e.Method)
	require.Equal(t, "mfa", e.Scope)
	require.False(t, e.At.IsZero())
}
