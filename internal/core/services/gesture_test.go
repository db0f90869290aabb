package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"panic-relay/internal/core/domain"
)

type progressLog struct {
	mu     sync.Mutex
	values []float64
	states []string
	prompt int
}

func (p *progressLog) observer() GestureObserver {
	return GestureObserver{
		OnProgress: func(f float64) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.values = append(p.values, f)
		},
		OnConfirmPrompt: func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.prompt++
		},
		OnStateChange: func(s string) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.states = append(p.states, s)
		},
	}
}

func (p *progressLog) max() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := 0.0
	for _, v := range p.values {
		if v > m {
			m = v
		}
	}
	return m
}

func (p *progressLog) prompts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompt
}

type gestureFixture struct {
	trigger  *GestureTrigger
	clock    clockwork.FakeClock
	dispatch *MockDispatchClient
	notifier *recordingNotifier
	progress *progressLog
}

func newGestureFixture(t *testing.T) *gestureFixture {
	t.Helper()
	f := &gestureFixture{
		clock:    clockwork.NewFakeClock(),
		dispatch: new(MockDispatchClient),
		notifier: &recordingNotifier{},
		progress: &progressLog{},
	}
	f.trigger = NewGestureTrigger(context.Background(), f.dispatch, f.notifier, f.clock, GestureConfig{
		HoldThreshold: 5 * time.Second,
		TickInterval:  50 * time.Millisecond,
	}, f.progress.observer())
	t.Cleanup(func() {
		f.trigger.Close()
		f.trigger.Wait()
	})
	return f
}

// press starts a hold and waits until its deadline and ticker are armed
func (f *gestureFixture) press(t *testing.T) {
	t.Helper()
	require.NoError(t, f.trigger.PressStart())
	f.clock.BlockUntil(2)
}

func (f *gestureFixture) awaitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.trigger.State() == GestureIdle
	}, time.Second, 5*time.Millisecond)
	f.trigger.Wait()
}

func TestGesture_FullHoldDispatchesExactlyOnce(t *testing.T) {
	f := newGestureFixture(t)
	f.dispatch.On("Dispatch", mock.Anything, true).Return(int64(42), nil).Once()

	var dispatched []int64
	var mu sync.Mutex
	f.trigger.OnDispatched(func(id int64) {
		mu.Lock()
		defer mu.Unlock()
		dispatched = append(dispatched, id)
	})

	f.press(t)
	f.clock.Advance(5000 * time.Millisecond)

	f.awaitIdle(t)
	f.trigger.PressEnd() // release after the deadline fired

	f.dispatch.AssertExpectations(t)
	f.dispatch.AssertNumberOfCalls(t, "Dispatch", 1)
	assert.Equal(t, 1.0, f.progress.max())
	assert.Equal(t, 0, f.progress.prompts())
	mu.Lock()
	assert.Equal(t, []int64{42}, dispatched)
	mu.Unlock()
	assert.Equal(t, 1, f.notifier.count(domain.NotifyAlertSent))
}

func TestGesture_ReleasePastThresholdBeforeDeadline(t *testing.T) {
	f := newGestureFixture(t)
	f.dispatch.On("Dispatch", mock.Anything, true).Return(int64(7), nil).Once()

	require.NoError(t, f.trigger.PressStart())
	f.clock.Advance(6 * time.Second)
	f.trigger.PressEnd()

	f.awaitIdle(t)
	f.dispatch.AssertNumberOfCalls(t, "Dispatch", 1)
}

func TestGesture_ProgressIsClampedFraction(t *testing.T) {
	f := newGestureFixture(t)

	f.press(t)
	f.clock.Advance(2500 * time.Millisecond)

	assert.Eventually(t, func() bool {
		return f.trigger.Fraction() == 0.5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, GestureHolding, f.trigger.State())

	f.trigger.PressEnd()
	assert.Equal(t, 0.0, f.trigger.Fraction())
}

func TestGesture_ShortTapThenConfirm(t *testing.T) {
	f := newGestureFixture(t)
	f.dispatch.On("Dispatch", mock.Anything, false).Return(int64(9), nil).Once()

	f.press(t)
	f.clock.Advance(time.Second)
	f.trigger.PressEnd()

	assert.Equal(t, GestureConfirmPending, f.trigger.State())
	assert.Equal(t, 1, f.progress.prompts())
	assert.Equal(t, 1, f.notifier.count(domain.NotifyConfirmPrompt))

	require.NoError(t, f.trigger.Confirm())
	f.awaitIdle(t)

	f.dispatch.AssertExpectations(t)
	f.dispatch.AssertNumberOfCalls(t, "Dispatch", 1)
}

func TestGesture_ShortTapThenCancel(t *testing.T) {
	f := newGestureFixture(t)

	f.press(t)
	f.trigger.PressEnd()
	f.trigger.Cancel()

	assert.Equal(t, GestureIdle, f.trigger.State())
	f.clock.Advance(10 * time.Second)
	f.dispatch.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestGesture_HoldsBelowThresholdNeverDispatch(t *testing.T) {
	for _, held := range []time.Duration{0, time.Millisecond, 2500 * time.Millisecond, 4999 * time.Millisecond} {
		t.Run(held.String(), func(t *testing.T) {
			f := newGestureFixture(t)

			f.press(t)
			f.clock.Advance(held)
			f.trigger.PressEnd()
			f.trigger.Cancel()
			f.clock.Advance(time.Minute)

			time.Sleep(10 * time.Millisecond)
			assert.Equal(t, GestureIdle, f.trigger.State())
			f.dispatch.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
		})
	}
}

func TestGesture_RapidTapsNeverDispatch(t *testing.T) {
	f := newGestureFixture(t)

	for i := 0; i < 10; i++ {
		f.press(t)
		f.clock.Advance(100 * time.Millisecond)
		f.trigger.PressEnd()
	}
	f.clock.Advance(time.Minute)

	// Each press dismisses the previous prompt; only the last one is open
	assert.Equal(t, GestureConfirmPending, f.trigger.State())
	f.trigger.Cancel()
	assert.Equal(t, GestureIdle, f.trigger.State())

	time.Sleep(10 * time.Millisecond)
	f.dispatch.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestGesture_AbortCancelsDeadline(t *testing.T) {
	f := newGestureFixture(t)

	f.press(t)
	f.clock.Advance(4 * time.Second)
	f.trigger.Abort()
	f.clock.Advance(5 * time.Second)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, GestureIdle, f.trigger.State())
	assert.Equal(t, 0.0, f.trigger.Fraction())
	f.dispatch.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestGesture_PressIgnoredWhileInFlight(t *testing.T) {
	f := newGestureFixture(t)
	release := make(chan struct{})
	f.dispatch.On("Dispatch", mock.Anything, false).
		Run(func(mock.Arguments) { <-release }).
		Return(int64(5), nil).Once()

	f.press(t)
	f.trigger.PressEnd()
	require.NoError(t, f.trigger.Confirm())
	assert.True(t, f.trigger.Busy())

	assert.ErrorIs(t, f.trigger.PressStart(), domain.ErrDispatchInFlight)
	assert.ErrorIs(t, f.trigger.Confirm(), domain.ErrNoConfirmPrompt)

	close(release)
	f.awaitIdle(t)
	f.dispatch.AssertNumberOfCalls(t, "Dispatch", 1)
	assert.False(t, f.trigger.Busy())
}

func TestGesture_DispatchFailureNotifies(t *testing.T) {
	f := newGestureFixture(t)
	f.dispatch.On("Dispatch", mock.Anything, true).
		Return(int64(0), errors.Join(domain.ErrNetworkFailure, errors.New("503"))).Once()

	f.press(t)
	f.clock.Advance(5 * time.Second)
	f.awaitIdle(t)

	assert.Equal(t, 1, f.notifier.count(domain.NotifyAlertFailed))
	assert.Equal(t, domain.LevelError, f.notifier.last().Level)
	assert.Equal(t, 0, f.notifier.count(domain.NotifyAlertSent))
}

func TestGesture_DisableDropsHold(t *testing.T) {
	f := newGestureFixture(t)

	f.press(t)
	f.trigger.SetEnabled(false)
	f.clock.Advance(10 * time.Second)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, GestureIdle, f.trigger.State())
	assert.ErrorIs(t, f.trigger.PressStart(), domain.ErrTriggerDisabled)
	f.dispatch.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)

	f.trigger.SetEnabled(true)
	assert.NoError(t, f.trigger.PressStart())
}

func TestGesture_CloseBlocksFurtherPresses(t *testing.T) {
	f := newGestureFixture(t)

	f.press(t)
	f.trigger.Close()

	assert.Equal(t, GestureIdle, f.trigger.State())
	assert.ErrorIs(t, f.trigger.PressStart(), domain.ErrTriggerDisabled)
}

func TestHoldFraction(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    float64
	}{
		{-time.Second, 0},
		{0, 0},
		{1250 * time.Millisecond, 0.25},
		{5 * time.Second, 1},
		{time.Minute, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, holdFraction(tt.elapsed, 5*time.Second), tt.elapsed.String())
	}
	assert.Equal(t, 1.0, holdFraction(time.Second, 0))
}
