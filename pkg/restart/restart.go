package restart

import (
	"sync"
	"time"

	"github.com/volute/volute/pkg/log"
	"github.com/volute/volute/pkg/statefile"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 3 * time.Second
	DefaultMaxDelay    = 60 * time.Second
)

// Decision is the tracker's answer for one crash.
type Decision struct {
	ShouldRestart bool
	Delay         time.Duration
	Attempt       int
}

// Tracker keeps a per-key crash counter with exponential backoff. The
// counter is persisted to crash-attempts.json so a rapid crash loop cannot
// be masked by restarting the daemon.
type Tracker struct {
	mu       sync.Mutex
	path     string
	attempts map[string]int

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// Config tunes the tracker. Zero values take the defaults.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewTracker creates a tracker persisted at path. A pre-existing ledger is
// loaded; a corrupt one is logged and replaced with an empty counter.
func NewTracker(path string, cfg Config) *Tracker {
	t := &Tracker{
		path:        path,
		attempts:    make(map[string]int),
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
	if t.maxAttempts == 0 {
		t.maxAttempts = DefaultMaxAttempts
	}
	if t.baseDelay == 0 {
		t.baseDelay = DefaultBaseDelay
	}
	if t.maxDelay == 0 {
		t.maxDelay = DefaultMaxDelay
	}

	if err := statefile.LoadOrInit(path, &t.attempts); err != nil {
		log.WithComponent("restart").Warn().Err(err).
			Msg("could not load crash ledger, starting fresh")
	}
	return t
}

// OnCrash records a crash for key and returns the restart decision. The
// delay doubles per recorded attempt, capped at maxDelay; once the attempt
// count reaches maxAttempts the key stops being restarted.
func (t *Tracker) OnCrash(key string) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	prior := t.attempts[key]
	delay := t.baseDelay << uint(prior)
	if delay > t.maxDelay || delay <= 0 {
		delay = t.maxDelay
	}

	t.attempts[key] = prior + 1
	t.persistLocked()

	return Decision{
		ShouldRestart: prior+1 < t.maxAttempts,
		Delay:         delay,
		Attempt:       prior + 1,
	}
}

// Reset clears the counter for key after a clean stop or a stable run.
func (t *Tracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.attempts[key]; !ok {
		return
	}
	delete(t.attempts, key)
	t.persistLocked()
}

// Attempts returns the recorded crash count for key.
func (t *Tracker) Attempts(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[key]
}

// ClearAll wipes every counter. Called during daemon shutdown so the next
// boot starts from a clean ledger.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.attempts = make(map[string]int)
	t.persistLocked()
}

func (t *Tracker) persistLocked() {
	if err := statefile.Save(t.path, t.attempts); err != nil {
		log.WithComponent("restart").Warn().Err(err).
			Msg("failed to persist crash ledger")
	}
}
