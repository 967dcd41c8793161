package client

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestTypingExpiresWithoutStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := NewTypingTracker(clock)

	tr.Start("r1", "bob")
	tr.Start("r1", "alice")
	assert.Equal(t, []string{"alice", "bob"}, tr.Typing("r1"))
	assert.Empty(t, tr.Typing("r2"))

	clock.Advance(4 * time.Second)
	tr.Start("r1", "bob") // refresh
	clock.Advance(3 * time.Second)
	assert.Equal(t, []string{"bob"}, tr.Typing("r1"), "alice lapsed after 6s")

	clock.Advance(3 * time.Second)
	assert.Empty(t, tr.Typing("r1"))
}

func TestTypingStop(t *testing.T) {
	tr := NewTypingTracker(clockwork.NewFakeClock())
	tr.Start("r1", "bob")
	tr.Stop("r1", "bob")
	tr.Stop("r1", "nobody")
	assert.Empty(t, tr.Typing("r1"))
}
