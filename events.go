package authrelay

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Audit event types emitted by the engine.
const (
	EventLoginSuccess        = "login.success"
	EventLoginFailed         = "login.failed"
	EventLoginMFARequired    = "login.mfa_required"
	EventLoginMFABypass      = "login.mfa_bypass"
	EventLogout              = "logout"
	EventTokenValidation     = "token.validated"
	EventTokenRefreshed      = "token.refreshed"
	EventTokensInvalidated   = "token.invalidated"
	EventUserRegistered      = "user.registered"
	EventPasswordReset       = "password.reset"
	EventPasswordChanged     = "password.changed"
	EventMFASetupStarted     = "mfa.setup_started"
	EventMFASetupVerified    = "mfa.setup_verified"
	EventMFAChallengeIssued  = "mfa.challenge_issued"
	EventMFAChallengePassed  = "mfa.challenge_passed"
	EventMFAChallengeFailed  = "mfa.challenge_failed"
	EventMFAChallengeLocked  = "mfa.challenge_locked"
	EventMFAMethodRemoved    = "mfa.method_removed"
	EventBackupCodesIssued   = "mfa.backup_codes_issued"
	EventBackupCodeRedeemed  = "mfa.backup_code_redeemed"
	EventDeviceTrusted       = "device.trusted"
	EventDeviceRevoked       = "device.revoked"
	EventMagicLinkIssued     = "magic_link.issued"
	EventMagicLinkRedeemed   = "magic_link.redeemed"
	EventMagicLinkRejected   = "magic_link.rejected"
	EventAuthzDecision       = "authz.decision"
	EventRateLimited         = "rate_limited"
)

// AuditEvent is one security-relevant occurrence. Payload carries the typed
// record for the event's kind; Metadata is its flat string form for sinks
// that cannot take structure.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	Email     string            `json:"email,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Payload   any               `json:"payload,omitempty"`
}

// Typed payloads, one shape per event family.
type (
	// TokenValidationPayload accompanies [EventTokenValidation].
	TokenValidationPayload struct {
		Valid bool `json:"valid"`
		// Source is "cache" or "idp".
		Source    string  `json:"source"`
		LatencyMS float64 `json:"latency_ms"`
	}

	// AuthzDecisionPayload accompanies [EventAuthzDecision].
	AuthzDecisionPayload struct {
		Resource string `json:"resource"`
		Action   string `json:"action"`
		Allowed  bool   `json:"allowed"`
		Reason   string `json:"reason,omitempty"`
	}

	// ChallengePayload accompanies the mfa.challenge_* events.
	ChallengePayload struct {
		ChallengeID string     `json:"challenge_id"`
		MethodID    string     `json:"method_id,omitempty"`
		MethodType  MethodType `json:"method_type"`
	}

	// MagicLinkPayload accompanies the magic_link.* events.
	MagicLinkPayload struct {
		LinkID string     `json:"link_id"`
		Action LinkAction `json:"action"`
		Status LinkStatus `json:"status,omitempty"`
	}

	// DevicePayload accompanies the device.* events.
	DevicePayload struct {
		DeviceID string `json:"device_id,omitempty"`
		Removed  int    `json:"removed,omitempty"`
	}
)

// EventListener observes engine events. Listeners run synchronously on the
// goroutine that emits the event and must return quickly; anything slow
// belongs in an [AuditSink] behind the dispatcher.
type EventListener func(event AuditEvent)

// eventListeners is the per-engine observer registry. Listeners are keyed
// by subscription id and scoped to one event type, or to all of them.
type eventListeners struct {
	mu      sync.RWMutex
	nextID  uint64
	entries map[uint64]listenerEntry
}

type listenerEntry struct {
	eventType string
	fn        EventListener
}

func newEventListeners() *eventListeners {
	return &eventListeners{entries: make(map[uint64]listenerEntry)}
}

func (l *eventListeners) add(eventType string, fn EventListener) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.entries[l.nextID] = listenerEntry{eventType: eventType, fn: fn}
	return l.nextID
}

func (l *eventListeners) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, id)
}

func (l *eventListeners) dispatch(event AuditEvent) {
	if l == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, entry := range l.entries {
		if entry.eventType == "" || entry.eventType == event.EventType {
			entry.fn(event)
		}
	}
}

// AuditSink receives events from the engine's dispatcher. Emit must not
// block indefinitely; slow sinks back-pressure the dispatcher goroutine,
// not the request path.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink discards everything.
type NoOpSink struct{}

// Emit implements [AuditSink].
func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink forwards events to a channel, for tests and embedders that
// run their own consumer.
type ChannelSink struct {
	events chan AuditEvent
}

// NewChannelSink returns a sink buffering up to buffer events.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

// Emit implements [AuditSink].
func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events exposes the receive side of the sink.
func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON line per event.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink returns a line-delimited JSON sink.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

// Emit implements [AuditSink].
func (s *JSONWriterSink) Emit(_ context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// ZapSink logs each event through a structured logger.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink returns a sink writing to the given logger at info level.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

// Emit implements [AuditSink].
func (s *ZapSink) Emit(_ context.Context, event AuditEvent) {
	if s == nil || s.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.Time("timestamp", event.Timestamp),
		zap.String("event_type", event.EventType),
		zap.Bool("success", event.Success),
	}
	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}
	if event.Email != "" {
		fields = append(fields, zap.String("email", event.Email))
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip", event.IP))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}
	s.logger.Info("audit", fields...)
}

// auditDispatcher fans events out to the configured sink on a dedicated
// goroutine. Close drains the buffer before returning.
type auditDispatcher struct {
	cfg       AuditConfig
	sink      AuditSink
	ch        chan AuditEvent
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &auditDispatcher{
		cfg:  cfg,
		sink: sink,
		ch:   make(chan AuditEvent, cfg.BufferSize),
		done: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *auditDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.sink.Emit(context.Background(), event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// Emit enqueues an event. With DropIfFull set, a full buffer drops the
// event and bumps the dropped counter instead of blocking the caller.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- event:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- event:
	case <-ctx.Done():
	case <-d.done:
	}
}

// Close stops the dispatcher after draining queued events.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports how many events were discarded under DropIfFull.
func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
