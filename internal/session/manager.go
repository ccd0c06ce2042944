package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strangerlink/signal-server/internal/matching"
	"github.com/strangerlink/signal-server/internal/metrics"
)

const (
	DefaultMatchNotifyDelay    = 0
	DefaultSkipRequeueDelay    = 500 * time.Millisecond
	DefaultPartnerRequeueDelay = 1 * time.Second
	DefaultSweepInterval       = 1500 * time.Millisecond
	DefaultSweepCooldown       = 1 * time.Second
	DefaultQueueSize           = 4096
	DefaultTelemetryQueueSize  = 8192
	DefaultRecordTimeout       = 5 * time.Second
)

// Config holds the Manager's collaborators and timing knobs. Zero durations
// are meaningful (no delay); use DefaultConfig for production values.
type Config struct {
	Notifier Notifier
	Recorder Recorder
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// Now and NewSessionID are overridable for tests.
	Now          func() time.Time
	NewSessionID func() string

	// MatchNotifyDelay separates "Found someone! Connecting..." from
	// match-found.
	MatchNotifyDelay time.Duration
	// SkipRequeueDelay is how long a skipping participant waits before it is
	// placed again.
	SkipRequeueDelay time.Duration
	// PartnerRequeue puts the abandoned partner back into search after
	// PartnerRequeueDelay.
	PartnerRequeue      bool
	PartnerRequeueDelay time.Duration

	// SweepInterval <= 0 disables the retry sweeper.
	SweepInterval time.Duration
	SweepCooldown time.Duration

	QueueSize          int
	TelemetryQueueSize int
	RecordTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		MatchNotifyDelay:    DefaultMatchNotifyDelay,
		SkipRequeueDelay:    DefaultSkipRequeueDelay,
		PartnerRequeue:      true,
		PartnerRequeueDelay: DefaultPartnerRequeueDelay,
		SweepInterval:       DefaultSweepInterval,
		SweepCooldown:       DefaultSweepCooldown,
		QueueSize:           DefaultQueueSize,
		TelemetryQueueSize:  DefaultTelemetryQueueSize,
		RecordTimeout:       DefaultRecordTimeout,
	}
}

type participant struct {
	id         matching.ConnID
	state      State
	country    string
	remoteAddr string

	// profile is the last accepted search profile; automatic re-searches
	// reuse it.
	profile *matching.Profile

	// epoch changes on every state change that should cancel a pending
	// delayed requeue.
	epoch uint64
}

// Manager is the session lifecycle state machine. All state is owned by the
// goroutine running Run; other goroutines interact through Submit and Stats.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	notifier Notifier
	recorder Recorder
	now      func() time.Time

	engine       *matching.Engine
	participants map[matching.ConnID]*participant

	events   chan Event
	deferred []Event

	telemetry *telemetryQueue

	done     chan struct{}
	doneOnce sync.Once
	running  atomic.Bool

	waiting      atomic.Int64
	pairings     atomic.Int64
	participantN atomic.Int64
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NotifierFunc(func(matching.ConnID, Notification) {})
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NopRecorder{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.TelemetryQueueSize <= 0 {
		cfg.TelemetryQueueSize = DefaultTelemetryQueueSize
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = DefaultRecordTimeout
	}

	var engineOpts []matching.EngineOption
	if cfg.NewSessionID != nil {
		engineOpts = append(engineOpts, matching.WithSessionIDSource(cfg.NewSessionID))
	}

	return &Manager{
		cfg:          cfg,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
		notifier:     cfg.Notifier,
		recorder:     cfg.Recorder,
		now:          cfg.Now,
		engine:       matching.NewEngine(engineOpts...),
		participants: make(map[matching.ConnID]*participant),
		events:       make(chan Event, cfg.QueueSize),
		telemetry:    newTelemetryQueue(cfg.TelemetryQueueSize),
		done:         make(chan struct{}),
	}
}

// Submit queues ev for the event loop. It blocks while the queue is full and
// fails once the Manager has stopped.
func (m *Manager) Submit(ctx context.Context, ev Event) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// Stats returns the counts published after the most recent event.
func (m *Manager) Stats() Stats {
	return Stats{
		Waiting:        int(m.waiting.Load()),
		ActivePairings: int(m.pairings.Load()),
		Participants:   int(m.participantN.Load()),
	}
}

// Run processes events until ctx is cancelled. Queued telemetry is flushed
// before Run returns. Run must be called at most once.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("session manager already running")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.runTelemetry()
	}()

	var sweepDone chan struct{}
	if m.cfg.SweepInterval > 0 {
		sweepDone = make(chan struct{})
		go func() {
			defer close(sweepDone)
			m.runSweeper(ctx)
		}()
	}

	m.log.Info("session manager started",
		"sweep_interval", m.cfg.SweepInterval,
		"sweep_cooldown", m.cfg.SweepCooldown,
		"match_notify_delay", m.cfg.MatchNotifyDelay,
		"skip_requeue_delay", m.cfg.SkipRequeueDelay,
	)

	for {
		select {
		case ev := <-m.events:
			m.dispatch(ev)
		case <-ctx.Done():
			m.doneOnce.Do(func() { close(m.done) })
			if sweepDone != nil {
				<-sweepDone
			}
			m.telemetry.Close()
			wg.Wait()
			m.log.Info("session manager stopped",
				"participants", len(m.participants),
				"telemetry_dropped", m.telemetry.DropCount(),
			)
			return ctx.Err()
		}
	}
}

// dispatch applies ev and any zero-delay follow-ups it scheduled.
func (m *Manager) dispatch(ev Event) {
	m.handle(ev)
	for len(m.deferred) > 0 {
		next := m.deferred[0]
		m.deferred[0] = nil
		m.deferred = m.deferred[1:]
		m.handle(next)
	}
	m.publishStats()
}

func (m *Manager) handle(ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			m.metrics.Inc(metrics.EventPanic)
			m.log.Error("panic in session event handler", "recover", rec, "stack", string(debug.Stack()))
		}
	}()

	switch ev := ev.(type) {
	case Connect:
		m.onConnect(ev)
	case StartSearch:
		m.onStartSearch(ev)
	case Skip:
		m.onSkip(ev.ID)
	case Stop:
		m.onStop(ev.ID)
	case Disconnect:
		m.onDisconnect(ev.ID)
	case Signal:
		m.onSignal(ev)
	case Barrier:
		close(ev.Done)
	case matchReady:
		m.onMatchReady(ev)
	case requeue:
		m.onRequeue(ev)
	case sweepTick:
		m.sweep()
	default:
		m.log.Warn("unknown session event", "type", fmt.Sprintf("%T", ev))
	}
}

// after schedules ev to run on the loop once d has elapsed.
func (m *Manager) after(d time.Duration, ev Event) {
	if d <= 0 {
		m.deferred = append(m.deferred, ev)
		return
	}
	time.AfterFunc(d, func() {
		select {
		case m.events <- ev:
		case <-m.done:
		}
	})
}

func (m *Manager) publishStats() {
	st := m.engine.Stats()
	m.waiting.Store(int64(st.Waiting))
	m.pairings.Store(int64(st.ActivePairings))
	m.participantN.Store(int64(len(m.participants)))
}

func (m *Manager) notify(to matching.ConnID, n Notification) {
	m.notifier.Notify(to, n)
}

func (m *Manager) notifyError(to matching.ConnID, code, message string) {
	m.notify(to, Notification{Type: NotifyError, Code: code, Message: message})
}

func (m *Manager) onConnect(ev Connect) {
	if _, ok := m.participants[ev.ID]; ok {
		m.log.Warn("duplicate connect event", "conn_id", ev.ID)
		return
	}
	country := ev.Country
	if country == "" {
		country = matching.CountryUnknown
	}
	p := &participant{
		id:         ev.ID,
		state:      StateIdle,
		country:    country,
		remoteAddr: ev.RemoteAddr,
	}
	m.participants[ev.ID] = p
	m.notify(ev.ID, Notification{Type: NotifyHello, ID: ev.ID, Country: country})
	m.recordParticipant(p)
}

func (m *Manager) onStartSearch(ev StartSearch) {
	p, ok := m.participants[ev.ID]
	if !ok {
		m.notifyError(ev.ID, CodeUnknownIdentity, ErrUnknownIdentity.Error())
		return
	}
	if p.state == StateConnecting || p.state == StateConnected {
		m.notifyError(ev.ID, CodeAlreadyInSession, "already in a session")
		return
	}
	profile, err := ev.Request.Profile(p.country)
	if err != nil {
		m.metrics.Inc(metrics.BadRequest)
		m.notifyError(ev.ID, CodeBadRequest, err.Error())
		return
	}
	p.epoch++
	p.profile = &profile
	m.search(p)
}

// search enqueues p with its retained profile and attempts a placement.
func (m *Manager) search(p *participant) {
	if err := m.engine.Enqueue(p.id, *p.profile, m.now()); err != nil {
		// Unreachable while state and engine agree; surfaced rather than hidden.
		m.log.Error("enqueue rejected", "conn_id", p.id, "state", p.state, "err", err)
		m.notifyError(p.id, CodeAlreadyInSession, err.Error())
		return
	}
	p.state = StateSearching
	m.metrics.Inc(metrics.SearchStarted)
	m.recordParticipant(p)
	m.log.Debug("search started", "conn_id", p.id, "country", p.profile.Country, "interests", len(p.profile.Interests))
	m.place(p.id, false)
}

// place runs one placement attempt for id. Sweeper attempts stay quiet when
// nothing is found.
func (m *Manager) place(id matching.ConnID, fromSweep bool) bool {
	match, err := m.engine.Place(id, m.now())
	if err != nil {
		m.log.Debug("place skipped", "conn_id", id, "err", err)
		return false
	}
	if !match.Matched() {
		if !fromSweep {
			m.notify(id, Notification{Type: NotifySearching, Message: MessageSearching})
		}
		return false
	}
	m.commit(match.Pairing, fromSweep)
	return true
}

func (m *Manager) commit(pr *matching.Pairing, fromSweep bool) {
	a, b := m.participants[pr.A], m.participants[pr.B]
	for _, p := range []*participant{a, b} {
		if p != nil {
			p.state = StateConnecting
			p.epoch++
		}
	}

	if fromSweep {
		m.metrics.Inc(metrics.SweepMatchCreated)
	}
	m.metrics.Inc(metrics.MatchCreated)
	m.log.Info("match created", "session_id", pr.SessionID, "a", pr.A, "b", pr.B, "sweep", fromSweep)

	m.notify(pr.A, Notification{Type: NotifySearching, Message: MessageFoundPartner})
	m.notify(pr.B, Notification{Type: NotifySearching, Message: MessageFoundPartner})

	rec := SessionRecord{SessionID: pr.SessionID, A: pr.A, B: pr.B, StartedAt: pr.StartedAt}
	m.record("session_start", pr.SessionID, func(ctx context.Context, r Recorder) error {
		return r.RecordSessionStart(ctx, rec)
	})
	m.recordParticipant(a)
	m.recordParticipant(b)

	m.after(m.cfg.MatchNotifyDelay, matchReady{sessionID: pr.SessionID, a: pr.A, b: pr.B})
}

func (m *Manager) onMatchReady(ev matchReady) {
	pr, ok := m.engine.Pairing(ev.a)
	if !ok || pr.SessionID != ev.sessionID {
		// Ended before the notification was due.
		return
	}
	m.notify(ev.a, Notification{
		Type:           NotifyMatchFound,
		PartnerID:      ev.b,
		PartnerCountry: m.countryOf(ev.b),
		SessionID:      pr.SessionID,
	})
	m.notify(ev.b, Notification{
		Type:           NotifyMatchFound,
		PartnerID:      ev.a,
		PartnerCountry: m.countryOf(ev.a),
		SessionID:      pr.SessionID,
	})
}

func (m *Manager) countryOf(id matching.ConnID) string {
	p, ok := m.participants[id]
	if !ok {
		return matching.CountryUnknown
	}
	if p.profile != nil && p.profile.Country != "" {
		return p.profile.Country
	}
	return p.country
}

func (m *Manager) onSkip(id matching.ConnID) {
	p, ok := m.participants[id]
	if !ok {
		m.notifyError(id, CodeUnknownIdentity, ErrUnknownIdentity.Error())
		return
	}
	p.epoch++
	m.teardown(id, ReasonSkipped)
	m.engine.Dequeue(id)
	p.state = StateIdle
	// Sent whether or not a pairing existed.
	m.notify(id, Notification{Type: NotifyPartnerEvent, Reason: ReasonYouSkipped})
	m.recordParticipant(p)
	if p.profile != nil {
		m.after(m.cfg.SkipRequeueDelay, requeue{id: id, epoch: p.epoch})
	}
}

func (m *Manager) onStop(id matching.ConnID) {
	p, ok := m.participants[id]
	if !ok {
		m.notifyError(id, CodeUnknownIdentity, ErrUnknownIdentity.Error())
		return
	}
	p.epoch++
	m.teardown(id, ReasonLeft)
	m.engine.Dequeue(id)
	p.state = StateIdle
	m.notify(id, Notification{Type: NotifySearchStopped})
	m.recordParticipant(p)
}

func (m *Manager) onDisconnect(id matching.ConnID) {
	if _, ok := m.participants[id]; !ok {
		return
	}
	m.teardown(id, ReasonDisconnected)
	m.engine.Remove(id, m.now())
	delete(m.participants, id)
	m.record("participant_remove", "", func(ctx context.Context, r Recorder) error {
		return r.RemoveParticipant(ctx, id)
	})
	m.log.Debug("participant disconnected", "conn_id", id)
}

// teardown ends id's pairing, if any, and tells the partner why. It reports
// whether a pairing existed.
func (m *Manager) teardown(id matching.ConnID, reason Reason) bool {
	pr, ok := m.engine.Unpair(id, m.now())
	if !ok {
		return false
	}

	switch reason {
	case ReasonSkipped:
		m.metrics.Inc(metrics.SessionEndSkipped)
	case ReasonLeft:
		m.metrics.Inc(metrics.SessionEndLeft)
	case ReasonDisconnected:
		m.metrics.Inc(metrics.SessionEndDisconn)
	}
	m.log.Info("session ended",
		"session_id", pr.SessionID,
		"initiator", id,
		"reason", reason,
		"duration", pr.Duration,
		"messages", pr.Messages,
	)

	end := SessionEnd{
		SessionID: pr.SessionID,
		EndedAt:   pr.EndedAt,
		Duration:  pr.Duration,
		Messages:  pr.Messages,
		Reason:    reason,
	}
	m.record("session_end", pr.SessionID, func(ctx context.Context, r Recorder) error {
		return r.RecordSessionEnd(ctx, end)
	})

	partnerID := pr.Other(id)
	partner, ok := m.participants[partnerID]
	if !ok {
		return true
	}
	partner.state = StateIdle
	partner.epoch++
	m.notify(partnerID, Notification{Type: NotifyPartnerEvent, Reason: reason})
	m.recordParticipant(partner)
	if m.cfg.PartnerRequeue && partner.profile != nil {
		m.after(m.cfg.PartnerRequeueDelay, requeue{id: partnerID, epoch: partner.epoch})
	}
	return true
}

func (m *Manager) onRequeue(ev requeue) {
	p, ok := m.participants[ev.id]
	if !ok || p.epoch != ev.epoch || p.state != StateIdle || p.profile == nil {
		return
	}
	m.search(p)
}

func (m *Manager) recordParticipant(p *participant) {
	if p == nil {
		return
	}
	rec := ParticipantRecord{
		ID:         p.id,
		State:      p.state,
		RemoteAddr: p.remoteAddr,
		Country:    p.country,
		SeenAt:     m.now(),
	}
	if partner, ok := m.engine.Partner(p.id); ok {
		rec.PartnerID = partner
	}
	if p.profile != nil {
		profile := *p.profile
		rec.Profile = &profile
	}
	m.record("participant", "", func(ctx context.Context, r Recorder) error {
		return r.RecordParticipant(ctx, rec)
	})
}

func (m *Manager) record(op, sessionID string, run func(ctx context.Context, r Recorder) error) {
	if !m.telemetry.Enqueue(telemetryTask{op: op, sessionID: sessionID, run: run}) {
		m.metrics.Inc(metrics.TelemetryDropped)
	}
}

func (m *Manager) runTelemetry() {
	for {
		task, ok := m.telemetry.Dequeue()
		if !ok {
			return
		}
		m.runTask(task)
	}
}

func (m *Manager) runTask(task telemetryTask) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RecordTimeout)
	defer cancel()
	if err := task.run(ctx, m.recorder); err != nil {
		m.metrics.Inc(metrics.PersistenceError)
		m.log.Warn("persistence call failed", "op", task.op, "session_id", task.sessionID, "err", err)
	}
}
