package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
)

// ============================================================================
// Mock clients
// ============================================================================

// MockDispatchClient mocks the trigger endpoint
type MockDispatchClient struct {
	mock.Mock
}

func (m *MockDispatchClient) Dispatch(ctx context.Context, longPress bool) (int64, error) {
	args := m.Called(ctx, longPress)
	return args.Get(0).(int64), args.Error(1)
}

// MockAckClient mocks the acknowledge endpoint
type MockAckClient struct {
	mock.Mock
}

func (m *MockAckClient) Acknowledge(ctx context.Context, req domain.AckRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

// ============================================================================
// Alarm device
// ============================================================================

type fakeDevice struct {
	mu         sync.Mutex
	blocked    bool
	playing    bool
	plays      int
	soundStops int
	vibrations int
	vibStops   int
}

func (d *fakeDevice) PlaySound() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plays++
	if d.blocked {
		return domain.ErrSoundBlocked
	}
	d.playing = true
	return nil
}

func (d *fakeDevice) StopSound() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playing = false
	d.soundStops++
}

func (d *fakeDevice) Vibrate([]time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vibrations++
	return nil
}

func (d *fakeDevice) StopVibration() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vibStops++
}

func (d *fakeDevice) setBlocked(blocked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocked = blocked
}

func (d *fakeDevice) isPlaying() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playing
}

func (d *fakeDevice) vibrationCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vibrations
}

// ============================================================================
// Video
// ============================================================================

type fakeVideo struct {
	mu      sync.Mutex
	failNow bool
	rooms   []domain.VideoRoom
	onEnded func(reason string)
	stops   int
}

func (v *fakeVideo) Start(_ context.Context, room domain.VideoRoom, onEnded func(reason string)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failNow {
		return errors.New("video unavailable")
	}
	v.rooms = append(v.rooms, room)
	v.onEnded = onEnded
	return nil
}

func (v *fakeVideo) Stop() {
	v.mu.Lock()
	v.stops++
	end := v.onEnded
	v.onEnded = nil
	v.mu.Unlock()

	if end != nil {
		end("stopped")
	}
}

// hangup ends the running call the way the meeting UI does
func (v *fakeVideo) hangup(reason string) {
	v.mu.Lock()
	end := v.onEnded
	v.onEnded = nil
	v.mu.Unlock()

	if end != nil {
		end(reason)
	}
}

func (v *fakeVideo) startedRooms() []domain.VideoRoom {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.VideoRoom(nil), v.rooms...)
}

// ============================================================================
// Notifier
// ============================================================================

type recordingNotifier struct {
	mu    sync.Mutex
	items []domain.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, item domain.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, item)
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]string, 0, len(n.items))
	for _, item := range n.items {
		kinds = append(kinds, item.Kind)
	}
	return kinds
}

func (n *recordingNotifier) count(kind string) int {
	c := 0
	for _, k := range n.kinds() {
		if k == kind {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) last() domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.items) == 0 {
		return domain.Notification{}
	}
	return n.items[len(n.items)-1]
}

// ============================================================================
// Dedup
// ============================================================================

type mapDedup struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func newMapDedup() *mapDedup {
	return &mapDedup{keys: make(map[string]bool)}
}

func (d *mapDedup) IsDuplicate(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	return d.keys[id], nil
}

func (d *mapDedup) MarkProcessed(_ context.Context, id string, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.keys[id] = true
	return nil
}

// ============================================================================
// Push transport
// ============================================================================

type staticTokens string

func (s staticTokens) AccessToken() (string, error) {
	if s == "" {
		return "", domain.ErrNotAuthenticated
	}
	return string(s), nil
}

type fakeDialer struct {
	mu        sync.Mutex
	failures  int   // Dial fails this many times first
	failWith  error // error of failing dials
	dials     int
	conns     []*fakeConn
	lastToken string
}

func (d *fakeDialer) Dial(_ context.Context, opts ports.DialOptions) (ports.PushConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.lastToken = opts.Token
	if d.failures > 0 {
		d.failures--
		if d.failWith != nil {
			return nil, d.failWith
		}
		return nil, errors.New("connection refused")
	}
	conn := &fakeConn{onState: opts.OnState, handlers: make(map[string]ports.MessageHandler)}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeConn struct {
	mu       sync.Mutex
	onState  ports.StateHandler
	handlers map[string]ports.MessageHandler
	unsubs   []string
	closed   bool
}

func (c *fakeConn) Subscribe(_ context.Context, topic string, handler ports.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	c.handlers[topic] = handler
	return nil
}

func (c *fakeConn) Unsubscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, topic)
	c.unsubs = append(c.unsubs, topic)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.handlers = map[string]ports.MessageHandler{}
	return nil
}

// push delivers payload as the broker would; a closed conn drops it
func (c *fakeConn) push(topic, payload string) {
	c.mu.Lock()
	handler := c.handlers[topic]
	c.mu.Unlock()
	if handler != nil {
		handler(topic, []byte(payload))
	}
}

// capture returns the live handler of topic so a test can invoke it after
// close, like a late callback from a transport goroutine
func (c *fakeConn) capture(topic string) ports.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[topic]
}

func (c *fakeConn) state(state domain.ConnectionState, attempt int, err error) {
	if c.onState != nil {
		c.onState(state, attempt, err)
	}
}

func (c *fakeConn) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		topics = append(topics, t)
	}
	return topics
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ============================================================================
// Payloads
// ============================================================================

func alertJSON(id int64, sender string, extra ...string) string {
	fields := []string{
		`"alertId":` + itoa(id),
		`"senderIdentity":"` + sender + `"`,
		`"triggeredByLongPress":true`,
		`"createdAt":"2024-05-01T10:00:00Z"`,
	}
	fields = append(fields, extra...)
	return "{" + strings.Join(fields, ",") + "}"
}

func ackJSON(id int64, extra ...string) string {
	fields := []string{
		`"alertId":` + itoa(id),
		`"supervisorIdentity":"dr.house"`,
	}
	fields = append(fields, extra...)
	return "{" + strings.Join(fields, ",") + "}"
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func alertRecord(id int64, sender string) domain.AlertRecord {
	return domain.AlertRecord{
		AlertID:              id,
		SenderIdentity:       sender,
		TriggeredByLongPress: true,
		Status:               domain.AlertStatusPending,
	}
}

func videoAlertRecord(id int64, sender string) domain.AlertRecord {
	r := alertRecord(id, sender)
	r.VideoRoomID = "panic-" + itoa(id)
	r.VideoToken = "jitsi-token"
	return r
}
