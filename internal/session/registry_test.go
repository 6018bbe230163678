package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsure_CreatesOnce(t *testing.T) {
	r := NewRegistry()

	h1 := r.Ensure("S1")
	h2 := r.Ensure("S1")
	assert.Same(t, h1, h2)
	assert.Equal(t, "S1", h1.ID())
	assert.Equal(t, 1, r.Len())
}

func TestMarkIfNew_Idempotent(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.MarkIfNew("S1", "alice"))
	for range 10 {
		assert.False(t, r.MarkIfNew("S1", "alice"))
	}
	assert.True(t, r.MarkIfNew("S1", "bob"))
	assert.Equal(t, []string{"alice", "bob"}, r.Snapshot("S1"))
}

func TestSessionIsolation(t *testing.T) {
	r := NewRegistry()

	require.True(t, r.MarkIfNew("S1", "alice"))
	assert.Empty(t, r.Snapshot("S2"))
	assert.True(t, r.MarkIfNew("S2", "alice"), "marking in S1 must not affect S2")
	assert.Equal(t, []string{"alice"}, r.Snapshot("S1"))
}

func TestSnapshot_IsCopy(t *testing.T) {
	r := NewRegistry()
	r.MarkIfNew("S1", "alice")

	snap := r.Snapshot("S1")
	snap[0] = "mallory"

	assert.Equal(t, []string{"alice"}, r.Snapshot("S1"))
}

func TestSnapshot_UnknownSession(t *testing.T) {
	r := NewRegistry()

	snap := r.Snapshot("nope")
	assert.NotNil(t, snap)
	assert.Empty(t, snap)
	assert.Equal(t, 0, r.Len(), "snapshot must not create sessions")
}

func TestEnd(t *testing.T) {
	r := NewRegistry()
	old := r.Ensure("S1")
	old.MarkIfNew("alice")

	final, ok := r.End("S1")
	require.True(t, ok)
	assert.Equal(t, []string{"alice"}, final)
	assert.Equal(t, 0, r.Len())

	assert.False(t, old.MarkIfNew("bob"), "ended handle must reject marks")

	fresh := r.Ensure("S1")
	assert.NotSame(t, old, fresh)
	assert.True(t, fresh.MarkIfNew("alice"), "a restarted session starts empty")

	_, ok = r.End("missing")
	assert.False(t, ok)
}

func TestIDs(t *testing.T) {
	r := NewRegistry()
	r.Ensure("b")
	r.Ensure("a")
	r.Ensure("c")
	assert.Equal(t, []string{"a", "b", "c"}, r.IDs())
}

func TestConcurrentSameSessionRace(t *testing.T) {
	for _, k := range []int{2, 10, 100} {
		t.Run(fmt.Sprintf("K=%d", k), func(t *testing.T) {
			r := NewRegistry()
			var fired atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})

			for range k {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					if r.Ensure("S1").MarkIfNew("alice") {
						fired.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int32(1), fired.Load())
			assert.Equal(t, []string{"alice"}, r.Snapshot("S1"))
			assert.Equal(t, 1, r.Len())
		})
	}
}

func TestConcurrentDistinctSessions(t *testing.T) {
	r := NewRegistry()
	const sessions = 50
	const labels = 20

	var wg sync.WaitGroup
	var fired atomic.Int32
	for s := range sessions {
		for l := range labels {
			// two submitters per (session, label)
			for range 2 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if r.MarkIfNew(fmt.Sprintf("S%d", s), fmt.Sprintf("student-%d", l)) {
						fired.Add(1)
					}
				}()
			}
		}
	}
	wg.Wait()

	assert.Equal(t, int32(sessions*labels), fired.Load())
	assert.Equal(t, sessions, r.Len())
	for s := range sessions {
		assert.Len(t, r.Snapshot(fmt.Sprintf("S%d", s)), labels)
	}
}

func TestPolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicySession, p)
	assert.Equal(t, "S1", p.Key("S1"))

	p, err = ParsePolicy("process")
	require.NoError(t, err)
	assert.Equal(t, ProcessScope, p.Key("S1"))
	assert.Equal(t, p.Key("S1"), p.Key("S2"))

	_, err = ParsePolicy("forever")
	assert.Error(t, err)
}
