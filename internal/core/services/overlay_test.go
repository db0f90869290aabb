package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"panic-relay/internal/core/domain"
)

type overlayFixture struct {
	overlay  *OverlayController
	device   *fakeDevice
	alarm    *SideEffectManager
	acks     *MockAckClient
	video    *fakeVideo
	dedup    *mapDedup
	notifier *recordingNotifier
}

func newOverlayFixture(t *testing.T) *overlayFixture {
	t.Helper()
	f := &overlayFixture{
		device:   &fakeDevice{},
		acks:     new(MockAckClient),
		video:    &fakeVideo{},
		dedup:    newMapDedup(),
		notifier: &recordingNotifier{},
	}
	f.alarm = NewSideEffectManager(f.device, clockwork.NewFakeClock(), nil, 0)
	f.overlay = NewOverlayController(f.alarm, f.acks, f.video, f.dedup, f.notifier, OverlayConfig{DisplayName: "Dr House"})
	t.Cleanup(f.overlay.Dispose)
	return f
}

func (f *overlayFixture) show(record domain.AlertRecord) {
	f.overlay.HandleEvent(context.Background(), domain.AlertEvent{Record: record})
}

func TestOverlay_ShowsAlertAndStartsAlarm(t *testing.T) {
	f := newOverlayFixture(t)

	f.show(alertRecord(42, "alice"))

	snap := f.overlay.Snapshot()
	assert.Equal(t, OverlayAlertActive, snap.State)
	require.NotNil(t, snap.Alert)
	assert.Equal(t, int64(42), snap.Alert.AlertID)
	assert.True(t, snap.Alarm.Active)
	assert.True(t, f.device.isPlaying())
}

func TestOverlay_DuplicateAlertIsIgnored(t *testing.T) {
	f := newOverlayFixture(t)

	f.show(alertRecord(42, "alice"))
	f.show(alertRecord(42, "alice"))

	assert.Equal(t, int64(42), f.overlay.Snapshot().Alert.AlertID)
	f.device.mu.Lock()
	assert.Equal(t, 1, f.device.plays)
	f.device.mu.Unlock()
}

func TestOverlay_NewerAlertReplacesDisplayed(t *testing.T) {
	f := newOverlayFixture(t)

	f.show(alertRecord(1, "alice"))
	f.show(alertRecord(2, "bob"))

	snap := f.overlay.Snapshot()
	assert.Equal(t, OverlayAlertActive, snap.State)
	assert.Equal(t, int64(2), snap.Alert.AlertID)
	assert.Equal(t, "bob", snap.Alert.SenderIdentity)
	assert.True(t, snap.Alarm.Active)
}

func TestOverlay_AcknowledgeStopsAlarm(t *testing.T) {
	f := newOverlayFixture(t)
	f.acks.On("Acknowledge", mock.Anything, domain.AckRequest{AlertID: 42}).Return(nil).Once()

	f.show(alertRecord(42, "alice"))
	require.NoError(t, f.overlay.Acknowledge(context.Background(), false))

	assert.Equal(t, OverlayIdle, f.overlay.State())
	assert.False(t, f.alarm.IsActive())
	assert.False(t, f.device.isPlaying())
	assert.Equal(t, 1, f.notifier.count(domain.NotifyAcknowledged))
	f.acks.AssertExpectations(t)
}

func TestOverlay_AcknowledgeWithVideoEntersCallEvenWhenAckFails(t *testing.T) {
	f := newOverlayFixture(t)
	f.acks.On("Acknowledge", mock.Anything, domain.AckRequest{AlertID: 42, WithVideo: true}).
		Return(errors.Join(domain.ErrNetworkFailure, errors.New("timeout"))).Once()

	f.show(videoAlertRecord(42, "alice"))
	require.NoError(t, f.overlay.Acknowledge(context.Background(), true))

	snap := f.overlay.Snapshot()
	assert.Equal(t, OverlayInCall, snap.State)
	require.NotNil(t, snap.CallWith)
	assert.Equal(t, int64(42), snap.CallWith.AlertID)
	assert.False(t, snap.Alarm.Active)
	assert.Equal(t, 1, f.notifier.count(domain.NotifyAckFailed))

	rooms := f.video.startedRooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, domain.VideoRoom{RoomID: "panic-42", DisplayName: "Dr House", Token: "jitsi-token"}, rooms[0])

	f.video.hangup("left")
	assert.Equal(t, OverlayIdle, f.overlay.State())
}

func TestOverlay_AcknowledgeWithVideoWithoutRoom(t *testing.T) {
	f := newOverlayFixture(t)
	f.acks.On("Acknowledge", mock.Anything, mock.Anything).Return(nil).Once()

	f.show(alertRecord(42, "alice"))
	require.NoError(t, f.overlay.Acknowledge(context.Background(), true))

	assert.Equal(t, OverlayIdle, f.overlay.State())
	assert.Empty(t, f.video.startedRooms())
}

func TestOverlay_AcknowledgeWithoutAlert(t *testing.T) {
	f := newOverlayFixture(t)

	assert.ErrorIs(t, f.overlay.Acknowledge(context.Background(), false), domain.ErrNoActiveAlert)
	assert.ErrorIs(t, f.overlay.Close(context.Background()), domain.ErrNoActiveAlert)
	f.acks.AssertNotCalled(t, "Acknowledge", mock.Anything, mock.Anything)
}

func TestOverlay_HandledAlertIsNotShownAgain(t *testing.T) {
	f := newOverlayFixture(t)
	f.acks.On("Acknowledge", mock.Anything, mock.Anything).Return(nil).Once()

	f.show(alertRecord(42, "alice"))
	require.NoError(t, f.overlay.Acknowledge(context.Background(), false))
	f.show(alertRecord(42, "alice")) // redelivered after reconnect

	assert.Equal(t, OverlayIdle, f.overlay.State())
	assert.False(t, f.alarm.IsActive())
}

func TestOverlay_CloseWithoutAcknowledging(t *testing.T) {
	f := newOverlayFixture(t)

	f.show(alertRecord(42, "alice"))
	require.NoError(t, f.overlay.Close(context.Background()))
	f.show(alertRecord(42, "alice"))

	assert.Equal(t, OverlayIdle, f.overlay.State())
	assert.False(t, f.alarm.IsActive())
	f.acks.AssertNotCalled(t, "Acknowledge", mock.Anything, mock.Anything)
}

func TestOverlay_AcknowledgedElsewhereClosesOverlay(t *testing.T) {
	f := newOverlayFixture(t)

	f.show(alertRecord(42, "alice"))
	acked := alertRecord(42, "alice")
	acked.Status = domain.AlertStatusAcknowledged
	f.show(acked)

	assert.Equal(t, OverlayIdle, f.overlay.State())
	assert.False(t, f.alarm.IsActive())
	assert.Equal(t, 1, f.notifier.count(domain.NotifyAlertClosedRemote))

	f.show(alertRecord(42, "alice"))
	assert.Equal(t, OverlayIdle, f.overlay.State())
}

func TestOverlay_AlertDuringCallIsShownAfterCall(t *testing.T) {
	f := newOverlayFixture(t)
	f.acks.On("Acknowledge", mock.Anything, mock.Anything).Return(nil)

	f.show(videoAlertRecord(1, "alice"))
	require.NoError(t, f.overlay.Acknowledge(context.Background(), true))
	f.show(alertRecord(2, "bob"))

	snap := f.overlay.Snapshot()
	assert.Equal(t, OverlayInCall, snap.State)
	require.NotNil(t, snap.Deferred)
	assert.Equal(t, int64(2), snap.Deferred.AlertID)
	assert.False(t, snap.Alarm.Active)
	assert.Equal(t, 1, f.notifier.count(domain.NotifyAlertReplaced))

	f.overlay.VideoEnded(context.Background(), "hung up")

	snap = f.overlay.Snapshot()
	assert.Equal(t, OverlayAlertActive, snap.State)
	assert.Equal(t, int64(2), snap.Alert.AlertID)
	assert.Nil(t, snap.Deferred)
	assert.True(t, snap.Alarm.Active)
}

func TestOverlay_VideoStartFailureReturnsToIdle(t *testing.T) {
	f := newOverlayFixture(t)
	f.video.failNow = true
	f.acks.On("Acknowledge", mock.Anything, mock.Anything).Return(nil)

	f.show(videoAlertRecord(42, "alice"))
	require.NoError(t, f.overlay.Acknowledge(context.Background(), true))

	assert.Equal(t, OverlayIdle, f.overlay.State())
	assert.Equal(t, 1, f.notifier.count(domain.NotifyVideoFailed))
}

func TestOverlay_StaleCallEndIsIgnored(t *testing.T) {
	f := newOverlayFixture(t)
	f.acks.On("Acknowledge", mock.Anything, mock.Anything).Return(nil)

	f.show(videoAlertRecord(1, "alice"))
	require.NoError(t, f.overlay.Acknowledge(context.Background(), true))
	f.video.hangup("left")

	f.show(videoAlertRecord(2, "alice"))
	require.NoError(t, f.overlay.Acknowledge(context.Background(), true))
	f.overlay.callEnded(context.Background(), 1, "late callback from first call")

	assert.Equal(t, OverlayInCall, f.overlay.State())
	assert.Len(t, f.video.startedRooms(), 2)
}

func TestOverlay_DisposeReleasesEverything(t *testing.T) {
	t.Run("alert active", func(t *testing.T) {
		f := newOverlayFixture(t)
		f.show(alertRecord(42, "alice"))

		f.overlay.Dispose()
		f.show(alertRecord(43, "alice"))

		assert.Equal(t, OverlayIdle, f.overlay.State())
		assert.False(t, f.alarm.IsActive())
		assert.False(t, f.device.isPlaying())
	})

	t.Run("in call", func(t *testing.T) {
		f := newOverlayFixture(t)
		f.acks.On("Acknowledge", mock.Anything, mock.Anything).Return(nil)
		f.show(videoAlertRecord(42, "alice"))
		require.NoError(t, f.overlay.Acknowledge(context.Background(), true))

		f.overlay.Dispose()

		assert.Equal(t, OverlayIdle, f.overlay.State())
		f.video.mu.Lock()
		assert.Equal(t, 1, f.video.stops)
		f.video.mu.Unlock()
	})
}

func TestOverlay_StartSoundFallback(t *testing.T) {
	f := newOverlayFixture(t)
	f.device.setBlocked(true)

	f.show(alertRecord(42, "alice"))
	assert.True(t, f.overlay.Snapshot().Alarm.SoundBlocked)

	assert.ErrorIs(t, f.overlay.StartSound(context.Background()), domain.ErrSoundBlocked)
	assert.Equal(t, 1, f.notifier.count(domain.NotifySoundBlocked))

	f.device.setBlocked(false)
	require.NoError(t, f.overlay.StartSound(context.Background()))
	assert.False(t, f.overlay.Snapshot().Alarm.SoundBlocked)
}

func TestOverlay_DedupFailureFailsOpen(t *testing.T) {
	f := newOverlayFixture(t)
	f.dedup.err = errors.New("redis down")

	f.show(alertRecord(42, "alice"))

	assert.Equal(t, OverlayAlertActive, f.overlay.State())
}

func TestOverlay_ObserversSeeEveryChange(t *testing.T) {
	f := newOverlayFixture(t)
	f.acks.On("Acknowledge", mock.Anything, mock.Anything).Return(nil)

	var mu sync.Mutex
	var states []string
	f.overlay.OnChange(func(s OverlaySnapshot) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s.State)
	})

	f.show(alertRecord(42, "alice"))
	require.NoError(t, f.overlay.Acknowledge(context.Background(), false))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{OverlayAlertActive, OverlayIdle}, states)
}

// gatedDedup parks IsDuplicate lookups for one alert id until released
type gatedDedup struct {
	*mapDedup
	gatedKey string
	entered  chan struct{}
	release  chan struct{}
}

func (d *gatedDedup) IsDuplicate(ctx context.Context, id string) (bool, error) {
	if id == d.gatedKey {
		d.entered <- struct{}{}
		<-d.release
	}
	return d.mapDedup.IsDuplicate(ctx, id)
}

func TestOverlay_RedeliveryRacingAcknowledgeStaysClosed(t *testing.T) {
	dedup := &gatedDedup{
		mapDedup: newMapDedup(),
		gatedKey: "alert:41",
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	device := &fakeDevice{}
	acks := new(MockAckClient)
	acks.On("Acknowledge", mock.Anything, domain.AckRequest{AlertID: 41}).Return(nil).Once()
	alarm := NewSideEffectManager(device, clockwork.NewFakeClock(), nil, 0)
	overlay := NewOverlayController(alarm, acks, &fakeVideo{}, dedup, nil, OverlayConfig{})
	t.Cleanup(overlay.Dispose)

	// First delivery passes the gate straight away
	go func() { <-dedup.entered; dedup.release <- struct{}{} }()
	overlay.HandleEvent(context.Background(), domain.AlertEvent{Record: alertRecord(41, "alice")})
	require.Equal(t, OverlayAlertActive, overlay.State())

	redelivered := make(chan struct{})
	go func() {
		defer close(redelivered)
		overlay.HandleEvent(context.Background(), domain.AlertEvent{Record: alertRecord(41, "alice")})
	}()
	<-dedup.entered

	require.NoError(t, overlay.Acknowledge(context.Background(), false))
	require.Equal(t, OverlayIdle, overlay.State())

	dedup.release <- struct{}{}
	<-redelivered

	assert.Equal(t, OverlayIdle, overlay.State())
	assert.Nil(t, overlay.Snapshot().Alert)
	assert.False(t, alarm.IsActive())
	assert.False(t, device.isPlaying())
	acks.AssertExpectations(t)
}

func TestOverlay_RedeliveryRacingCloseStaysClosed(t *testing.T) {
	dedup := &gatedDedup{
		mapDedup: newMapDedup(),
		gatedKey: "alert:7",
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	alarm := NewSideEffectManager(&fakeDevice{}, clockwork.NewFakeClock(), nil, 0)
	overlay := NewOverlayController(alarm, new(MockAckClient), nil, dedup, nil, OverlayConfig{})
	t.Cleanup(overlay.Dispose)

	go func() { <-dedup.entered; dedup.release <- struct{}{} }()
	overlay.HandleEvent(context.Background(), domain.AlertEvent{Record: alertRecord(7, "bob")})
	require.Equal(t, OverlayAlertActive, overlay.State())

	redelivered := make(chan struct{})
	go func() {
		defer close(redelivered)
		overlay.HandleEvent(context.Background(), domain.AlertEvent{Record: alertRecord(7, "bob")})
	}()
	<-dedup.entered

	require.NoError(t, overlay.Close(context.Background()))
	dedup.release <- struct{}{}
	<-redelivered

	assert.Equal(t, OverlayIdle, overlay.State())
	assert.False(t, alarm.IsActive())
}
