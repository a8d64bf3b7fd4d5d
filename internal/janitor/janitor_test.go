package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSweep_CountsAllTargets(t *testing.T) {
	calls := 0
	s := New(nil, time.Minute,
		Target{Name: "a", Prune: func() int { calls++; return 3 }},
		Target{Name: "b", Prune: func() int { calls++; return 0 }},
	)

	assert.Equal(t, 3, s.Sweep())
	assert.Equal(t, 2, calls)
}

func TestRun_SweepsImmediatelyAndStopsOnCancel(t *testing.T) {
	swept := make(chan struct{}, 1)
	s := New(nil, time.Hour, Target{Name: "a", Prune: func() int {
		select {
		case swept <- struct{}{}:
		default:
		}
		return 0
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-swept:
	case <-time.After(time.Second):
		t.Fatal("expected an immediate sweep")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after cancel")
	}
}
