package alarm

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panic-relay/internal/core/domain"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTerminal_BellLoopsUntilStopped(t *testing.T) {
	out := &syncBuffer{}
	term := NewTerminal(out, 5*time.Millisecond, false)

	require.NoError(t, term.PlaySound())
	require.NoError(t, term.PlaySound())
	assert.True(t, term.Ringing())

	assert.Eventually(t, func() bool {
		return strings.Count(out.String(), "\a") >= 3
	}, time.Second, 5*time.Millisecond)

	term.StopSound()
	term.StopSound()
	assert.False(t, term.Ringing())

	rung := strings.Count(out.String(), "\a")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, rung, strings.Count(out.String(), "\a"))
}

func TestTerminal_BlockedUntilUnblocked(t *testing.T) {
	term := NewTerminal(nil, 0, true)

	assert.ErrorIs(t, term.PlaySound(), domain.ErrSoundBlocked)
	assert.False(t, term.Ringing())

	term.Unblock()
	require.NoError(t, term.PlaySound())
	term.StopSound()
}

func TestTerminal_Vibrate(t *testing.T) {
	out := &syncBuffer{}
	term := NewTerminal(out, 0, false)

	require.NoError(t, term.Vibrate([]time.Duration{700 * time.Millisecond, 300 * time.Millisecond, 700 * time.Millisecond}))
	term.StopVibration()

	assert.Equal(t, 1, term.Pulses())
	assert.Contains(t, out.String(), "PANIC")
}
