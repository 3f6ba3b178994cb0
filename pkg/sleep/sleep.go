package sleep

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/robfig/cron/v3"

	"github.com/volute/volute/pkg/events"
	"github.com/volute/volute/pkg/log"
	"github.com/volute/volute/pkg/metrics"
	"github.com/volute/volute/pkg/statefile"
	"github.com/volute/volute/pkg/storage"
	"github.com/volute/volute/pkg/types"
)

const (
	tickInterval       = 60 * time.Second
	defaultIdleTimeout = 120 * time.Second
	defaultSettleDelay = 3 * time.Second
)

// Delivery is the slice of the delivery manager the sleep manager flushes
// queued messages through.
type Delivery interface {
	DeliverDirect(ctx context.Context, mind, session string, msg *types.Message) error
	IsMindBusy(mind string) bool
}

// Lifecycle is the slice of the mind manager that sleep transitions drive.
type Lifecycle interface {
	StartMind(ctx context.Context, name string) error
	StopMind(ctx context.Context, name string) error
	KillOrphan(name string)
}

// Options adjusts a sleep or wake transition.
type Options struct {
	// Until sets a voluntary wake time earlier than the scheduled one.
	Until time.Time
	// Trigger marks a wake caused by a matching inbound message; the mind
	// returns to sleep when it next goes idle.
	Trigger string
}

// Manager owns sleep state for every registered mind: the per-minute cron
// evaluation, the sleep and wake transitions, and the wake-time flush of
// messages queued while asleep.
type Manager struct {
	home      types.Home
	bus       *events.Bus
	store     storage.Store
	delivery  Delivery
	lifecycle Lifecycle

	now         func() time.Time
	idleTimeout time.Duration
	settleDelay time.Duration

	mu       sync.Mutex
	minds    map[string]bool
	states   map[string]*types.SleepState
	inFlight map[string]bool
	rearm    map[string]bool // return-to-sleep on next idle

	stopCh   chan struct{}
	stopOnce sync.Once
	sub      *events.Subscription
}

// New creates a sleep manager and loads persisted sleep state.
func New(home types.Home, bus *events.Bus, store storage.Store, delivery Delivery, lifecycle Lifecycle) *Manager {
	m := &Manager{
		home:        home,
		bus:         bus,
		store:       store,
		delivery:    delivery,
		lifecycle:   lifecycle,
		now:         time.Now,
		idleTimeout: defaultIdleTimeout,
		settleDelay: defaultSettleDelay,
		minds:       make(map[string]bool),
		states:      make(map[string]*types.SleepState),
		inFlight:    make(map[string]bool),
		rearm:       make(map[string]bool),
		stopCh:      make(chan struct{}),
	}
	if err := statefile.LoadOrInit(home.SleepStateFile(), &m.states); err != nil {
		log.WithComponent("sleep").Warn().Err(err).
			Msg("Failed to load sleep state, starting fresh")
	}
	if m.states == nil {
		m.states = make(map[string]*types.SleepState)
	}
	return m
}

// Start begins the minute tick and the return-to-sleep watcher.
func (m *Manager) Start() {
	m.sub = m.bus.Subscribe(func(evt *events.Event) {
		if evt.Type != events.EventMindIdle {
			return
		}
		m.mu.Lock()
		armed := m.rearm[evt.Mind]
		if armed {
			delete(m.rearm, evt.Mind)
		}
		m.mu.Unlock()
		if armed {
			go m.InitiateSleep(context.Background(), evt.Mind, Options{})
		}
	})
	go m.run()
	log.WithComponent("sleep").Info().Msg("Sleep manager started")
}

// Stop halts the tick loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
}

func (m *Manager) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.tick(m.now())
		case <-m.stopCh:
			return
		}
	}
}

// Register adds a mind to the per-minute evaluation.
func (m *Manager) Register(mind string) {
	m.mu.Lock()
	m.minds[mind] = true
	m.mu.Unlock()
}

// Unregister removes a mind from evaluation and forgets its state.
func (m *Manager) Unregister(mind string) {
	m.mu.Lock()
	delete(m.minds, mind)
	delete(m.states, mind)
	delete(m.rearm, mind)
	m.mu.Unlock()
	m.persist()
}

// IsSleeping reports whether mind is currently asleep.
func (m *Manager) IsSleeping(mind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[mind]
	return st != nil && st.Sleeping
}

// State returns a copy of the mind's sleep state with a fresh queue count.
func (m *Manager) State(mind string) types.SleepState {
	m.mu.Lock()
	st := m.states[mind]
	var out types.SleepState
	if st != nil {
		out = *st
	}
	m.mu.Unlock()

	if n, err := m.store.CountSleepQueued(mind); err == nil {
		out.QueuedMessageCount = n
	}
	return out
}

func (m *Manager) config(mind string) *types.SleepConfig {
	var cfg types.SleepConfig
	if err := statefile.Load(m.home.SleepConfigFile(mind), &cfg); err != nil {
		return nil
	}
	return &cfg
}

// tick evaluates every registered mind once per minute. Awake minds whose
// sleep cron matches the minute go to sleep; sleeping minds past their
// wake time wake up.
func (m *Manager) tick(now time.Time) {
	m.mu.Lock()
	minds := make([]string, 0, len(m.minds))
	for name := range m.minds {
		minds = append(minds, name)
	}
	m.mu.Unlock()

	for _, mind := range minds {
		cfg := m.config(mind)
		if cfg == nil || !cfg.Enabled {
			continue
		}

		if m.IsSleeping(mind) {
			if m.wakeDue(mind, now) {
				m.InitiateWake(context.Background(), mind, Options{})
			}
			continue
		}

		if cronMatchesMinute(cfg.Schedule.Sleep, now) {
			m.InitiateSleep(context.Background(), mind, Options{})
		}
	}
}

func (m *Manager) wakeDue(mind string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[mind]
	if st == nil || !st.Sleeping {
		return false
	}
	due := st.ScheduledWakeAt
	if !st.VoluntaryWakeAt.IsZero() && st.VoluntaryWakeAt.After(due) {
		due = st.VoluntaryWakeAt
	}
	return !due.IsZero() && !now.Before(due)
}

// cronMatchesMinute reports whether spec fires in the minute containing t.
func cronMatchesMinute(spec string, t time.Time) bool {
	if spec == "" {
		return false
	}
	parsed, err := cron.ParseStandard(spec)
	if err != nil {
		return false
	}
	minuteStart := t.Truncate(time.Minute)
	return parsed.Next(minuteStart.Add(-time.Second)).Equal(minuteStart)
}

// begin marks a transition in flight for mind. Overlapping transitions are
// idempotent no-ops.
func (m *Manager) begin(mind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[mind] {
		return false
	}
	m.inFlight[mind] = true
	return true
}

func (m *Manager) end(mind string) {
	m.mu.Lock()
	delete(m.inFlight, mind)
	m.mu.Unlock()
}

// InitiateSleep puts mind to sleep: a pre-sleep notice, an idle wait, a
// settle delay for hooks, session archival, then process stop.
func (m *Manager) InitiateSleep(ctx context.Context, mind string, opts Options) {
	if !m.begin(mind) {
		return
	}
	defer m.end(mind)
	if m.IsSleeping(mind) {
		return
	}

	logger := log.WithMind(mind)
	logger.Info().Msg("Initiating sleep")

	preSleep := &types.Message{
		Content: []types.ContentPart{types.TextPart(
			"You are going to sleep now. Wrap up anything in progress; your sessions will be archived and you will wake on schedule.")},
		Channel: "system:sleep",
	}
	if err := m.delivery.DeliverDirect(ctx, mind, "main", preSleep); err != nil {
		logger.Warn().Err(err).Msg("Failed to deliver pre-sleep message")
	}

	m.waitForIdle(mind, m.idleTimeout)
	time.Sleep(m.settleDelay)

	if err := m.archiveSessions(mind); err != nil {
		logger.Warn().Err(err).Msg("Failed to archive sessions")
	}

	if err := m.lifecycle.StopMind(ctx, mind); err != nil {
		logger.Warn().Err(err).Msg("Failed to stop mind for sleep")
	}
	m.lifecycle.KillOrphan(mind)

	now := m.now()
	st := &types.SleepState{
		Sleeping:      true,
		SleepingSince: now,
	}
	if !opts.Until.IsZero() {
		st.VoluntaryWakeAt = opts.Until
	}
	if cfg := m.config(mind); cfg != nil && cfg.Schedule.Wake != "" {
		if parsed, err := cron.ParseStandard(cfg.Schedule.Wake); err == nil {
			st.ScheduledWakeAt = parsed.Next(now)
		}
	}

	m.mu.Lock()
	m.states[mind] = st
	m.mu.Unlock()
	m.persist()

	metrics.SleepTransitions.WithLabelValues(mind, "sleep").Inc()
	logger.Info().Time("wake_at", st.ScheduledWakeAt).Msg("Mind is sleeping")
}

// InitiateWake brings mind back: start the process, post the wake summary,
// flush the queue in arrival order. A triggered wake arms return-to-sleep
// on the next idle.
func (m *Manager) InitiateWake(ctx context.Context, mind string, opts Options) {
	if !m.begin(mind) {
		return
	}
	defer m.end(mind)
	if !m.IsSleeping(mind) {
		return
	}

	logger := log.WithMind(mind)
	logger.Info().Str("trigger", opts.Trigger).Msg("Initiating wake")

	if err := m.lifecycle.StartMind(ctx, mind); err != nil {
		logger.Error().Err(err).Msg("Failed to start mind for wake, staying asleep")
		return
	}

	queued, err := m.store.DrainSleepQueued(mind)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to drain sleep queue")
	}

	summary := &types.Message{
		Content: []types.ContentPart{types.TextPart(m.wakeSummary(mind, queued, opts))},
		Channel: "system:sleep",
	}
	if err := m.delivery.DeliverDirect(ctx, mind, "main", summary); err != nil {
		logger.Warn().Err(err).Msg("Failed to deliver wake summary")
	}

	for _, qm := range queued {
		msg := qm.Payload
		if err := m.delivery.DeliverDirect(ctx, mind, qm.Session, &msg); err != nil {
			logger.Warn().Err(err).Str("channel", qm.Channel).
				Msg("Failed to flush queued message")
		}
	}
	metrics.SleepQueueDepth.WithLabelValues(mind).Set(0)

	triggered := opts.Trigger != ""
	m.mu.Lock()
	m.states[mind] = &types.SleepState{WokenByTrigger: triggered}
	if triggered {
		m.rearm[mind] = true
	}
	m.mu.Unlock()
	m.persist()

	metrics.SleepTransitions.WithLabelValues(mind, "wake").Inc()
	logger.Info().Int("flushed", len(queued)).Msg("Mind is awake")
}

// RequestWake asks for an asynchronous triggered wake. Used by delivery
// when a queued message matches a wake trigger.
func (m *Manager) RequestWake(mind, reason string) {
	go m.InitiateWake(context.Background(), mind, Options{Trigger: reason})
}

// wakeSummary renders the wake message: total queued count plus a
// per-channel breakdown in first-seen order.
func (m *Manager) wakeSummary(mind string, queued []*types.QueuedMessage, opts Options) string {
	var b strings.Builder
	b.WriteString("Good morning. ")
	if opts.Trigger != "" {
		b.WriteString("You were woken early: " + opts.Trigger + ". ")
	}

	if len(queued) == 0 {
		b.WriteString("0 messages while you slept.")
		return b.String()
	}

	counts := make(map[string]int)
	var order []string
	for _, qm := range queued {
		if counts[qm.Channel] == 0 {
			order = append(order, qm.Channel)
		}
		counts[qm.Channel]++
	}
	parts := make([]string, 0, len(order))
	for _, ch := range order {
		parts = append(parts, fmt.Sprintf("%d on %s", counts[ch], ch))
	}
	fmt.Fprintf(&b, "%d messages while you slept (%s). They follow in order.",
		len(queued), strings.Join(parts, ", "))
	return b.String()
}

// CheckWakeTrigger reports whether msg should wake a sleeping mind.
// Defaults: DMs and any @mention of the mind's name. Config may add
// channel and sender globs.
func (m *Manager) CheckWakeTrigger(mind string, msg *types.Message) bool {
	if msg.IsDM {
		return true
	}
	base, _ := types.SplitName(mind)
	if strings.Contains(strings.ToLower(msg.Text()), "@"+strings.ToLower(base)) {
		return true
	}

	cfg := m.config(mind)
	if cfg == nil {
		return false
	}
	for _, trig := range cfg.WakeTriggers {
		if trig.Channel != "" && !globMatch(trig.Channel, msg.Channel) {
			continue
		}
		if trig.Sender != "" && !globMatch(trig.Sender, msg.Sender) {
			continue
		}
		if trig.Channel != "" || trig.Sender != "" {
			return true
		}
	}
	return false
}

func globMatch(pattern, value string) bool {
	g, err := glob.Compile(strings.ToLower(pattern))
	if err != nil {
		return false
	}
	return g.Match(strings.ToLower(value))
}

// waitForIdle blocks until mind has no in-flight deliveries or the timeout
// elapses, watching idle events rather than polling.
func (m *Manager) waitForIdle(mind string, timeout time.Duration) {
	if !m.delivery.IsMindBusy(mind) {
		return
	}

	idleCh := make(chan struct{}, 1)
	sub := m.bus.Subscribe(func(evt *events.Event) {
		if evt.Mind != mind {
			return
		}
		if evt.Type == events.EventMindIdle || evt.Type == events.EventMindDone {
			select {
			case idleCh <- struct{}{}:
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-idleCh:
			if !m.delivery.IsMindBusy(mind) {
				return
			}
		case <-deadline.C:
			log.WithMind(mind).Warn().Dur("timeout", timeout).
				Msg("Timed out waiting for idle before sleep")
			return
		}
	}
}

// archiveSessions moves live session files into archive/<timestamp>/.
func (m *Manager) archiveSessions(mind string) error {
	src := m.home.SessionsDir(mind)
	entries, err := os.ReadDir(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	dst := filepath.Join(m.home.ArchiveDir(mind), m.now().Format("20060102-150405"))
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.Rename(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return fmt.Errorf("failed to archive %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (m *Manager) persist() {
	m.mu.Lock()
	snapshot := make(map[string]*types.SleepState, len(m.states))
	for k, v := range m.states {
		copied := *v
		snapshot[k] = &copied
	}
	m.mu.Unlock()

	if err := statefile.Save(m.home.SleepStateFile(), snapshot); err != nil {
		log.WithComponent("sleep").Warn().Err(err).Msg("Failed to save sleep state")
	}
}
