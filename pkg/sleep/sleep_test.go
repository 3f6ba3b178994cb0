package sleep

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volute/volute/pkg/events"
	"github.com/volute/volute/pkg/storage"
	"github.com/volute/volute/pkg/types"
)

type fakeDelivery struct {
	mu   sync.Mutex
	busy bool
	sent []*types.Message
}

func (d *fakeDelivery) DeliverDirect(ctx context.Context, mind, session string, msg *types.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	return nil
}

func (d *fakeDelivery) IsMindBusy(mind string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

func (d *fakeDelivery) messages() []*types.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*types.Message, len(d.sent))
	copy(out, d.sent)
	return out
}

type fakeLifecycle struct {
	mu      sync.Mutex
	started []string
	stopped []string
	orphans []string
}

func (l *fakeLifecycle) StartMind(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, name)
	return nil
}

func (l *fakeLifecycle) StopMind(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = append(l.stopped, name)
	return nil
}

func (l *fakeLifecycle) KillOrphan(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orphans = append(l.orphans, name)
}

type fixture struct {
	m     *Manager
	d     *fakeDelivery
	lc    *fakeLifecycle
	store storage.Store
	home  types.Home
	bus   *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	home := types.Home{Root: t.TempDir()}

	store, err := storage.NewBoltStore(home.DatabaseFile())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	d := &fakeDelivery{}
	lc := &fakeLifecycle{}
	m := New(home, bus, store, d, lc)
	m.settleDelay = 0
	m.idleTimeout = 200 * time.Millisecond
	t.Cleanup(m.Stop)
	return &fixture{m: m, d: d, lc: lc, store: store, home: home, bus: bus}
}

func writeSleepConfig(t *testing.T, home types.Home, mind, body string) {
	t.Helper()
	path := home.SleepConfigFile(mind)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// Scheduled sleep at 22:00, three messages queued overnight, scheduled
// wake at 08:00 with summary and in-order flush.
func TestSleepWakeCycle(t *testing.T) {
	f := newFixture(t)
	writeSleepConfig(t, f.home, "alpha",
		`{"enabled": true, "schedule": {"sleep": "0 22 * * *", "wake": "0 8 * * *"}}`)
	f.m.Register("alpha")

	night := time.Date(2026, 3, 1, 22, 0, 10, 0, time.Local)
	f.m.now = func() time.Time { return night }
	f.m.tick(night)

	assert.True(t, f.m.IsSleeping("alpha"))
	assert.Equal(t, []string{"alpha"}, f.lc.stopped)
	assert.Equal(t, []string{"alpha"}, f.lc.orphans)
	require.NotEmpty(t, f.d.messages(), "pre-sleep message expected")

	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, f.store.EnqueueSleepMessage(&types.QueuedMessage{
			Mind:    "alpha",
			Session: "main",
			Channel: "discord:123",
			Sender:  "alice",
			Payload: types.Message{
				Channel: "discord:123",
				Sender:  "alice",
				Content: []types.ContentPart{types.TextPart(body)},
			},
		}))
	}

	preWake := len(f.d.messages())
	morning := time.Date(2026, 3, 2, 8, 0, 5, 0, time.Local)
	f.m.now = func() time.Time { return morning }
	f.m.tick(morning)

	assert.False(t, f.m.IsSleeping("alpha"))
	assert.Equal(t, []string{"alpha"}, f.lc.started)

	sent := f.d.messages()[preWake:]
	require.Len(t, sent, 4, "summary plus three flushed messages")
	assert.Contains(t, sent[0].Text(), "3 messages while you slept (3 on discord:123)")
	assert.Equal(t, "one", sent[1].Text())
	assert.Equal(t, "two", sent[2].Text())
	assert.Equal(t, "three", sent[3].Text())

	n, err := f.store.CountSleepQueued("alpha")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSleepIdempotent(t *testing.T) {
	f := newFixture(t)
	writeSleepConfig(t, f.home, "alpha",
		`{"enabled": true, "schedule": {"sleep": "0 22 * * *", "wake": "0 8 * * *"}}`)
	f.m.Register("alpha")

	f.m.InitiateSleep(context.Background(), "alpha", Options{})
	f.m.InitiateSleep(context.Background(), "alpha", Options{})
	assert.Equal(t, []string{"alpha"}, f.lc.stopped, "second sleep must be a no-op")
}

func TestWakeWhileAwakeIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.m.Register("alpha")
	f.m.InitiateWake(context.Background(), "alpha", Options{})
	assert.Empty(t, f.lc.started)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	f := newFixture(t)
	writeSleepConfig(t, f.home, "alpha",
		`{"enabled": true, "schedule": {"sleep": "0 22 * * *", "wake": "0 8 * * *"}}`)
	f.m.Register("alpha")
	f.m.InitiateSleep(context.Background(), "alpha", Options{})
	require.True(t, f.m.IsSleeping("alpha"))

	m2 := New(f.home, f.bus, f.store, f.d, f.lc)
	assert.True(t, m2.IsSleeping("alpha"))
}

func TestTriggeredWakeArmsReturnToSleep(t *testing.T) {
	f := newFixture(t)
	writeSleepConfig(t, f.home, "alpha",
		`{"enabled": true, "schedule": {"sleep": "0 22 * * *", "wake": "0 8 * * *"}}`)
	f.m.Register("alpha")
	f.m.Start()

	f.m.InitiateSleep(context.Background(), "alpha", Options{})
	require.True(t, f.m.IsSleeping("alpha"))

	f.m.InitiateWake(context.Background(), "alpha", Options{Trigger: "dm from alice"})
	require.False(t, f.m.IsSleeping("alpha"))
	assert.True(t, f.m.State("alpha").WokenByTrigger)

	// The next idle event sends the mind back to sleep.
	f.bus.Publish(&events.Event{Type: events.EventMindIdle, Mind: "alpha"})
	require.Eventually(t, func() bool {
		return f.m.IsSleeping("alpha")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCheckWakeTriggerDefaults(t *testing.T) {
	f := newFixture(t)

	dm := &types.Message{Channel: "discord:dm", IsDM: true,
		Content: []types.ContentPart{types.TextPart("hi")}}
	assert.True(t, f.m.CheckWakeTrigger("alpha", dm))

	mention := &types.Message{Channel: "discord:1",
		Content: []types.ContentPart{types.TextPart("hey @Alpha wake up")}}
	assert.True(t, f.m.CheckWakeTrigger("alpha", mention))

	plain := &types.Message{Channel: "discord:1",
		Content: []types.ContentPart{types.TextPart("nothing to see")}}
	assert.False(t, f.m.CheckWakeTrigger("alpha", plain))
}

func TestCheckWakeTriggerConfigGlobs(t *testing.T) {
	f := newFixture(t)
	writeSleepConfig(t, f.home, "alpha", `{
		"enabled": true,
		"schedule": {"sleep": "0 22 * * *", "wake": "0 8 * * *"},
		"wakeTriggers": [{"channel": "ops:*"}, {"sender": "admin"}]
	}`)

	opsMsg := &types.Message{Channel: "ops:alerts", Sender: "bot",
		Content: []types.ContentPart{types.TextPart("disk full")}}
	assert.True(t, f.m.CheckWakeTrigger("alpha", opsMsg))

	adminMsg := &types.Message{Channel: "discord:1", Sender: "Admin",
		Content: []types.ContentPart{types.TextPart("status?")}}
	assert.True(t, f.m.CheckWakeTrigger("alpha", adminMsg))

	other := &types.Message{Channel: "discord:1", Sender: "randy",
		Content: []types.ContentPart{types.TextPart("status?")}}
	assert.False(t, f.m.CheckWakeTrigger("alpha", other))
}

func TestVoluntaryWakeExtendsSleep(t *testing.T) {
	f := newFixture(t)
	writeSleepConfig(t, f.home, "alpha",
		`{"enabled": true, "schedule": {"sleep": "0 22 * * *", "wake": "0 8 * * *"}}`)
	f.m.Register("alpha")

	night := time.Date(2026, 3, 1, 22, 0, 0, 0, time.Local)
	f.m.now = func() time.Time { return night }
	until := time.Date(2026, 3, 2, 10, 0, 0, 0, time.Local)
	f.m.InitiateSleep(context.Background(), "alpha", Options{Until: until})

	// Scheduled wake passes but the voluntary time has not.
	morning := time.Date(2026, 3, 2, 8, 0, 0, 0, time.Local)
	f.m.now = func() time.Time { return morning }
	f.m.tick(morning)
	assert.True(t, f.m.IsSleeping("alpha"))

	later := time.Date(2026, 3, 2, 10, 0, 30, 0, time.Local)
	f.m.now = func() time.Time { return later }
	f.m.tick(later)
	assert.False(t, f.m.IsSleeping("alpha"))
}

func TestArchiveSessions(t *testing.T) {
	f := newFixture(t)
	sessions := f.home.SessionsDir("alpha")
	require.NoError(t, os.MkdirAll(sessions, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sessions, "main.jsonl"), []byte("{}\n"), 0o644))

	require.NoError(t, f.m.archiveSessions("alpha"))

	left, err := os.ReadDir(sessions)
	require.NoError(t, err)
	assert.Empty(t, left)

	archives, err := os.ReadDir(f.home.ArchiveDir("alpha"))
	require.NoError(t, err)
	require.Len(t, archives, 1)
	_, err = os.Stat(filepath.Join(f.home.ArchiveDir("alpha"), archives[0].Name(), "main.jsonl"))
	assert.NoError(t, err)
}

func TestUnregisterForgetsState(t *testing.T) {
	f := newFixture(t)
	writeSleepConfig(t, f.home, "alpha",
		`{"enabled": true, "schedule": {"sleep": "0 22 * * *", "wake": "0 8 * * *"}}`)
	f.m.Register("alpha")
	f.m.InitiateSleep(context.Background(), "alpha", Options{})
	require.True(t, f.m.IsSleeping("alpha"))

	f.m.Unregister("alpha")
	assert.False(t, f.m.IsSleeping("alpha"))
}
