package schedule

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/volute/volute/pkg/log"
	"github.com/volute/volute/pkg/metrics"
	"github.com/volute/volute/pkg/routing"
	"github.com/volute/volute/pkg/statefile"
	"github.com/volute/volute/pkg/types"
)

const (
	tickInterval  = 60 * time.Second
	scriptTimeout = 45 * time.Second
)

// Deliverer is the slice of the delivery manager the scheduler posts
// through.
type Deliverer interface {
	RouteAndDeliver(ctx context.Context, mind string, msg *types.Message) (routing.Decision, error)
}

// CommandDecorator lets the caller adjust a script command before it runs,
// typically to drop privileges to the mind's user.
type CommandDecorator func(mind string, cmd *exec.Cmd)

// schedulesFile is the on-disk shape of a mind's schedules.json.
type schedulesFile struct {
	Schedules []types.Schedule `json:"schedules"`
}

// Scheduler fires cron schedules for every loaded mind on a shared
// per-minute tick. The lastFired ledger guarantees at-most-once firing per
// epoch minute, surviving daemon restarts through scheduler-state.json.
type Scheduler struct {
	home      types.Home
	deliverer Deliverer
	decorate  CommandDecorator
	now       func() time.Time

	mu        sync.Mutex
	schedules map[string][]types.Schedule
	lastFired map[string]int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler and loads the persisted firing ledger. decorate
// may be nil.
func New(home types.Home, deliverer Deliverer, decorate CommandDecorator) *Scheduler {
	s := &Scheduler{
		home:      home,
		deliverer: deliverer,
		decorate:  decorate,
		now:       time.Now,
		schedules: make(map[string][]types.Schedule),
		lastFired: make(map[string]int64),
		stopCh:    make(chan struct{}),
	}
	if err := statefile.LoadOrInit(home.SchedulerStateFile(), &s.lastFired); err != nil {
		log.WithComponent("scheduler").Warn().Err(err).
			Msg("Failed to load scheduler state, starting with empty ledger")
	}
	if s.lastFired == nil {
		s.lastFired = make(map[string]int64)
	}
	return s
}

// Start begins the tick loop.
func (s *Scheduler) Start() {
	go s.run()
	log.WithComponent("scheduler").Info().Msg("Scheduler started")
}

// Stop halts the tick loop and persists the firing ledger.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if err := s.Save(); err != nil {
		log.WithComponent("scheduler").Warn().Err(err).Msg("Failed to save scheduler state")
	}
}

// Save persists the firing ledger.
func (s *Scheduler) Save() error {
	s.mu.Lock()
	snapshot := make(map[string]int64, len(s.lastFired))
	for k, v := range s.lastFired {
		snapshot[k] = v
	}
	s.mu.Unlock()
	return statefile.Save(s.home.SchedulerStateFile(), snapshot)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(s.now())
		case <-s.stopCh:
			return
		}
	}
}

// LoadSchedules (re)reads a mind's schedules.json. A read or parse failure
// keeps the existing in-memory copy so a transient hiccup never drops
// schedules.
func (s *Scheduler) LoadSchedules(mind string) error {
	var file schedulesFile
	if err := statefile.Load(s.home.SchedulesFile(mind), &file); err != nil {
		log.WithMind(mind).Warn().Err(err).
			Msg("Failed to read schedules, keeping previous copy")
		return fmt.Errorf("failed to read schedules for %s: %w", mind, err)
	}

	s.mu.Lock()
	s.schedules[mind] = file.Schedules
	s.mu.Unlock()

	log.WithMind(mind).Info().Int("count", len(file.Schedules)).Msg("Schedules loaded")
	return nil
}

// UnloadSchedules removes a mind's schedules from the tick.
func (s *Scheduler) UnloadSchedules(mind string) {
	s.mu.Lock()
	delete(s.schedules, mind)
	s.mu.Unlock()
}

// Loaded returns the currently loaded schedules for mind.
func (s *Scheduler) Loaded(mind string) []types.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Schedule, len(s.schedules[mind]))
	copy(out, s.schedules[mind])
	return out
}

// tick evaluates every loaded schedule against the current epoch minute.
// A schedule fires when its cron expression matches the minute and the
// ledger has not already recorded a firing for that minute.
func (s *Scheduler) tick(now time.Time) {
	epochMinute := now.Unix() / 60
	minuteStart := time.Unix(epochMinute*60, 0).In(now.Location())
	parseCache := make(map[string]cron.Schedule)

	type firing struct {
		mind string
		sc   types.Schedule
	}
	var firings []firing

	s.mu.Lock()
	for mind, scheds := range s.schedules {
		for _, sc := range scheds {
			if !sc.Enabled || sc.Cron == "" {
				continue
			}
			parsed, ok := parseCache[sc.Cron]
			if !ok {
				var err error
				parsed, err = cron.ParseStandard(sc.Cron)
				if err != nil {
					log.WithMind(mind).Warn().Err(err).Str("schedule", sc.ID).
						Str("cron", sc.Cron).Msg("Invalid cron expression")
					parseCache[sc.Cron] = nil
					continue
				}
				parseCache[sc.Cron] = parsed
			}
			if parsed == nil {
				continue
			}
			if !parsed.Next(minuteStart.Add(-time.Second)).Equal(minuteStart) {
				continue
			}

			key := mind + ":" + sc.ID
			if s.lastFired[key] == epochMinute {
				continue
			}
			s.lastFired[key] = epochMinute
			firings = append(firings, firing{mind: mind, sc: sc})
		}
	}
	s.mu.Unlock()

	for _, f := range firings {
		s.fire(f.mind, f.sc)
	}
	if len(firings) > 0 {
		if err := s.Save(); err != nil {
			log.WithComponent("scheduler").Warn().Err(err).
				Msg("Failed to persist scheduler state")
		}
	}
}

func (s *Scheduler) fire(mind string, sc types.Schedule) {
	var text string
	kind := "message"
	switch {
	case sc.Script != "":
		kind = "script"
		text = s.runScript(mind, sc)
		if text == "" {
			return
		}
	default:
		text = sc.Message
	}

	metrics.SchedulesFired.WithLabelValues(mind, kind).Inc()
	log.WithMind(mind).Info().Str("schedule", sc.ID).Str("kind", kind).
		Msg("Schedule fired")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.deliverer.RouteAndDeliver(ctx, mind, &types.Message{
		Content: []types.ContentPart{types.TextPart(text)},
		Channel: "system:scheduler",
		Sender:  sc.ID,
	}); err != nil {
		log.WithMind(mind).Warn().Err(err).Str("schedule", sc.ID).
			Msg("Failed to deliver scheduled message")
	}
}

// runScript executes a script schedule under bash in the mind's home
// directory. Empty output means no message; errors become a "[script
// error]" message so the mind hears about its own broken automation.
func (s *Scheduler) runScript(mind string, sc types.Schedule) string {
	ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", sc.Script)
	cmd.Dir = s.home.MindHomeDir(mind)
	if s.decorate != nil {
		s.decorate(mind, cmd)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if msg == "" {
			msg = err.Error()
		}
		return "[script error] " + msg
	}
	return strings.TrimSpace(out.String())
}
