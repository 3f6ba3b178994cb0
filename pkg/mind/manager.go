package mind

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/volute/volute/pkg/client"
	"github.com/volute/volute/pkg/events"
	"github.com/volute/volute/pkg/log"
	"github.com/volute/volute/pkg/logrotate"
	"github.com/volute/volute/pkg/metrics"
	"github.com/volute/volute/pkg/registry"
	"github.com/volute/volute/pkg/restart"
	"github.com/volute/volute/pkg/types"
)

const (
	defaultReadyTimeout = 30 * time.Second
	defaultStopTimeout  = 5 * time.Second
)

// process is one live child. stopping distinguishes a deliberate stop from
// a crash when the exit watcher fires.
type process struct {
	name     string
	port     int
	cmd      *execCmd
	logW     *logrotate.Writer
	stopping bool
}

// Config carries the manager's collaborators and tunables.
type Config struct {
	Home     types.Home
	Registry *registry.Registry
	Bus      *events.Bus
	Tracker  *restart.Tracker
	Client   *client.Client

	// ServerCommand is the argv that launches a mind child. The child
	// reads its name, port, and directories from the environment.
	ServerCommand []string

	// Isolation runs each child under its dedicated OS user.
	Isolation bool

	ReadyTimeout time.Duration
	StopTimeout  time.Duration
}

// Manager supervises mind child processes: spawn, readiness, crash
// recovery, and orphan reclamation. It is the only component that touches
// process handles and PID files.
type Manager struct {
	home      types.Home
	reg       *registry.Registry
	bus       *events.Bus
	tracker   *restart.Tracker
	client    *client.Client
	serverCmd []string
	isolation bool

	readyTimeout time.Duration
	stopTimeout  time.Duration

	// clearPending is the delivery manager's batch-buffer drop hook,
	// injected by the daemon.
	clearPending func(mind string)

	mu           sync.Mutex
	procs        map[string]*process
	pending      map[string]*PendingContext
	shuttingDown bool

	// opMu guards ops; each entry serializes start, stop, and restart for
	// one mind so lifecycle operations are linearizable per name.
	opMu sync.Mutex
	ops  map[string]*sync.Mutex
}

// NewManager creates a mind manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		home:         cfg.Home,
		reg:          cfg.Registry,
		bus:          cfg.Bus,
		tracker:      cfg.Tracker,
		client:       cfg.Client,
		serverCmd:    cfg.ServerCommand,
		isolation:    cfg.Isolation,
		readyTimeout: cfg.ReadyTimeout,
		stopTimeout:  cfg.StopTimeout,
		procs:        make(map[string]*process),
		pending:      make(map[string]*PendingContext),
		ops:          make(map[string]*sync.Mutex),
	}
	if len(m.serverCmd) == 0 {
		m.serverCmd = []string{"volute-mind", "serve"}
	}
	if m.readyTimeout == 0 {
		m.readyTimeout = defaultReadyTimeout
	}
	if m.stopTimeout == 0 {
		m.stopTimeout = defaultStopTimeout
	}
	return m
}

// SetPendingClearer wires the delivery manager's ClearPending hook.
func (m *Manager) SetPendingClearer(fn func(mind string)) {
	m.clearPending = fn
}

// resolve maps a possibly composite name to its port and mind directory.
// Variants resolve through the variant store; plain names through the
// registry.
func (m *Manager) resolve(name string) (port int, dir string, err error) {
	base, variant := types.SplitName(name)
	if variant != "" {
		v, ok := m.reg.GetVariant(base, variant)
		if !ok {
			return 0, "", fmt.Errorf("unknown variant %s", name)
		}
		return v.Port, v.Dir, nil
	}
	rec, ok := m.reg.Get(base)
	if !ok {
		return 0, "", fmt.Errorf("unknown mind %s", name)
	}
	return rec.Port, rec.Dir, nil
}

// opLock returns the mutex serializing lifecycle operations for name.
func (m *Manager) opLock(name string) *sync.Mutex {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	l, ok := m.ops[name]
	if !ok {
		l = &sync.Mutex{}
		m.ops[name] = l
	}
	return l
}

// StartMind starts the named mind: orphan reclamation, spawn, readiness,
// crash hook. Starting an already running mind is a no-op.
func (m *Manager) StartMind(ctx context.Context, name string) error {
	l := m.opLock(name)
	l.Lock()
	defer l.Unlock()
	return m.startMind(ctx, name, false)
}

// startMind requires the mind's op lock.
func (m *Manager) startMind(ctx context.Context, name string, fromCrash bool) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return fmt.Errorf("daemon is shutting down")
	}
	if _, ok := m.procs[name]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	port, dir, err := m.resolve(name)
	if err != nil {
		return err
	}

	logger := log.WithMind(name)
	logger.Info().Int("port", port).Msg("Starting mind")

	m.reclaimOrphans(name, port)

	proc, err := m.spawn(ctx, name, port, dir)
	if err != nil {
		return fmt.Errorf("failed to start mind %s: %w", name, err)
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		m.terminate(proc)
		return fmt.Errorf("daemon is shutting down")
	}
	m.procs[name] = proc
	m.mu.Unlock()

	if err := os.WriteFile(m.home.MindPIDFile(name), []byte(fmt.Sprintf("%d\n", proc.cmd.pid())), 0o644); err != nil {
		logger.Warn().Err(err).Msg("Failed to write PID file")
	}

	// A crash-triggered restart keeps the counter so the backoff cap
	// still applies; explicit starts wipe the slate.
	if !fromCrash {
		m.tracker.Reset(name)
	}

	if _, variant := types.SplitName(name); variant == "" {
		if err := m.reg.SetRunning(name, true); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist running flag")
		}
	}

	metrics.MindsRunning.Inc()
	m.bus.Publish(&events.Event{Type: events.EventMindStarted, Mind: name})

	go m.watchExit(name, proc)
	m.deliverPendingContext(ctx, name, port)

	logger.Info().Int("pid", proc.cmd.pid()).Msg("Mind started")
	return nil
}

// StopMind stops the named mind's process group: SIGTERM, a bounded wait,
// then SIGKILL. The restart counter and pending context are cleared and
// the desired-running flag goes false.
func (m *Manager) StopMind(ctx context.Context, name string) error {
	l := m.opLock(name)
	l.Lock()
	defer l.Unlock()
	return m.stopMind(ctx, name)
}

// stopMind requires the mind's op lock.
func (m *Manager) stopMind(ctx context.Context, name string) error {
	m.mu.Lock()
	proc, ok := m.procs[name]
	if ok {
		proc.stopping = true
		delete(m.procs, name)
	}
	delete(m.pending, name)
	m.mu.Unlock()

	if m.clearPending != nil {
		m.clearPending(name)
	}
	m.tracker.Reset(name)

	if _, variant := types.SplitName(name); variant == "" {
		if err := m.reg.SetRunning(name, false); err != nil {
			log.WithMind(name).Warn().Err(err).Msg("Failed to persist running flag")
		}
	}

	if !ok {
		return nil
	}

	log.WithMind(name).Info().Msg("Stopping mind")
	m.terminate(proc)
	os.Remove(m.home.MindPIDFile(name))

	metrics.MindsRunning.Dec()
	m.bus.Publish(&events.Event{Type: events.EventMindStopped, Mind: name})
	log.WithMind(name).Info().Msg("Mind stopped")
	return nil
}

// terminate brings down a process group, first gently then not.
func (m *Manager) terminate(proc *process) {
	proc.cmd.signalGroup(syscall.SIGTERM)

	select {
	case <-proc.cmd.doneCh:
	case <-time.After(m.stopTimeout):
		log.WithMind(proc.name).Warn().Msg("Mind did not stop gracefully, force killing")
		proc.cmd.signalGroup(syscall.SIGKILL)
		<-proc.cmd.doneCh
	}
	if proc.logW != nil {
		proc.logW.Close()
	}
}

// RestartMind is stop followed by start, atomic per mind: nothing else can
// slip a lifecycle operation between the two halves.
func (m *Manager) RestartMind(ctx context.Context, name string) error {
	l := m.opLock(name)
	l.Lock()
	defer l.Unlock()
	if err := m.stopMind(ctx, name); err != nil {
		return err
	}
	return m.startMind(ctx, name, false)
}

// StopAll stops every running mind concurrently and refuses new starts.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	names := make([]string, 0, len(m.procs))
	for name := range m.procs {
		names = append(names, name)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error { return m.StopMind(ctx, name) })
	}
	return g.Wait()
}

// IsRunning reports whether the named mind has a live child.
func (m *Manager) IsRunning(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.procs[name]
	return ok
}

// RunningMinds returns the names of all live children.
func (m *Manager) RunningMinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.procs))
	for name := range m.procs {
		names = append(names, name)
	}
	return names
}

// Port resolves a running or registered mind's port. Usable as the
// delivery manager's port resolver.
func (m *Manager) Port(name string) (int, error) {
	port, _, err := m.resolve(name)
	return port, err
}

// watchExit waits for the child and runs crash recovery when the exit was
// neither a deliberate stop nor daemon shutdown.
func (m *Manager) watchExit(name string, proc *process) {
	<-proc.cmd.doneCh

	m.mu.Lock()
	current := m.procs[name]
	deliberate := proc.stopping || m.shuttingDown || current != proc
	if current == proc {
		delete(m.procs, name)
	}
	m.mu.Unlock()

	if deliberate {
		return
	}

	logger := log.WithMind(name)
	logger.Warn().Str("exit", proc.cmd.exitString()).Msg("Mind exited unexpectedly")
	os.Remove(m.home.MindPIDFile(name))
	if proc.logW != nil {
		proc.logW.Close()
	}

	metrics.MindsRunning.Dec()
	m.bus.Publish(&events.Event{Type: events.EventMindIdle, Mind: name})
	m.bus.Publish(&events.Event{Type: events.EventMindStopped, Mind: name,
		Fields: map[string]string{"reason": "crash"}})

	decision := m.tracker.OnCrash(name)
	if !decision.ShouldRestart {
		logger.Error().Int("attempts", decision.Attempt).
			Msg("Mind crashed too many times, giving up")
		if _, variant := types.SplitName(name); variant == "" {
			if err := m.reg.SetRunning(name, false); err != nil {
				logger.Warn().Err(err).Msg("Failed to clear running flag")
			}
		}
		return
	}

	metrics.MindRestarts.WithLabelValues(name).Inc()
	logger.Info().Dur("delay", decision.Delay).Int("attempt", decision.Attempt).
		Msg("Restarting mind after backoff")
	time.Sleep(decision.Delay)

	l := m.opLock(name)
	l.Lock()
	defer l.Unlock()

	// An explicit stop or delete during the backoff wins over the restart.
	if !m.desiredRunning(name) {
		logger.Info().Msg("Mind stopped during backoff, not restarting")
		return
	}
	if err := m.startMind(context.Background(), name, true); err != nil {
		logger.Error().Err(err).Msg("Crash restart failed")
	}
}

// desiredRunning reports whether a crash restart should still proceed:
// base minds consult the registry's desired-state flag, variants only need
// their record to still exist.
func (m *Manager) desiredRunning(name string) bool {
	base, variant := types.SplitName(name)
	if variant != "" {
		_, ok := m.reg.GetVariant(base, variant)
		return ok
	}
	rec, ok := m.reg.Get(base)
	return ok && rec.Running
}

// PendingContext is a one-shot bootstrap message delivered after the next
// successful explicit start.
type PendingContext struct {
	Kind          string `json:"kind"` // merge, sprout, restart
	Summary       string `json:"summary,omitempty"`
	Justification string `json:"justification,omitempty"`
	Memory        string `json:"memory,omitempty"`
}

// SetPendingContext stashes a context message for the next start.
func (m *Manager) SetPendingContext(name string, pc *PendingContext) {
	m.mu.Lock()
	m.pending[name] = pc
	m.mu.Unlock()
}

func (pc *PendingContext) render() string {
	var b strings.Builder
	switch pc.Kind {
	case "merge":
		b.WriteString("You have just been merged from a variant.")
	case "sprout":
		b.WriteString("You have just been sprouted as a new variant.")
	default:
		b.WriteString("You have just been restarted.")
	}
	if pc.Summary != "" {
		b.WriteString(" Summary: " + pc.Summary)
	}
	if pc.Justification != "" {
		b.WriteString(" Justification: " + pc.Justification)
	}
	if pc.Memory != "" {
		b.WriteString(" Memory: " + pc.Memory)
	}
	return b.String()
}

// deliverPendingContext posts the stashed context straight to the child's
// message endpoint on the system channel. It bypasses the delivery manager
// so bootstrap messages are never routed, gated, or batched. The context
// is consumed exactly once, on the first successful start after stashing.
func (m *Manager) deliverPendingContext(ctx context.Context, name string, port int) {
	m.mu.Lock()
	pc := m.pending[name]
	delete(m.pending, name)
	m.mu.Unlock()
	if pc == nil {
		return
	}

	postCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	err := m.client.PostAndDrain(postCtx, port, &client.MessageRequest{
		Content: []types.ContentPart{types.TextPart(pc.render())},
		Channel: "system",
	})
	if err != nil {
		log.WithMind(name).Warn().Err(err).Msg("Failed to deliver pending context")
	}
}
