package schedule

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volute/volute/pkg/routing"
	"github.com/volute/volute/pkg/types"
)

type recordingDeliverer struct {
	mu   sync.Mutex
	msgs []*types.Message
}

func (d *recordingDeliverer) RouteAndDeliver(ctx context.Context, mind string, msg *types.Message) (routing.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return routing.Decision{Routed: true}, nil
}

func (d *recordingDeliverer) messages() []*types.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*types.Message, len(d.msgs))
	copy(out, d.msgs)
	return out
}

func writeSchedules(t *testing.T, home types.Home, mind, body string) {
	t.Helper()
	path := home.SchedulesFile(mind)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newScheduler(t *testing.T) (*Scheduler, *recordingDeliverer, types.Home) {
	t.Helper()
	home := types.Home{Root: t.TempDir()}
	d := &recordingDeliverer{}
	return New(home, d, nil), d, home
}

// A */1 schedule fires once at 12:00:00, not again at 12:00:30, and again
// at 12:01:00.
func TestFiresOncePerMinute(t *testing.T) {
	s, d, home := newScheduler(t)
	writeSchedules(t, home, "alpha",
		`{"schedules":[{"id":"daily","cron":"*/1 * * * *","message":"tick","enabled":true}]}`)
	require.NoError(t, s.LoadSchedules("alpha"))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	s.tick(base)
	require.Len(t, d.messages(), 1)
	assert.Equal(t, "tick", d.messages()[0].Text())
	assert.Equal(t, "system:scheduler", d.messages()[0].Channel)
	assert.Equal(t, "daily", d.messages()[0].Sender)

	s.tick(base.Add(30 * time.Second))
	assert.Len(t, d.messages(), 1, "second tick in the same minute must not fire")

	s.tick(base.Add(60 * time.Second))
	assert.Len(t, d.messages(), 2)
}

func TestLedgerSurvivesRestart(t *testing.T) {
	s, d, home := newScheduler(t)
	writeSchedules(t, home, "alpha",
		`{"schedules":[{"id":"s1","cron":"* * * * *","message":"x","enabled":true}]}`)
	require.NoError(t, s.LoadSchedules("alpha"))

	base := time.Date(2026, 3, 1, 9, 15, 5, 0, time.Local)
	s.tick(base)
	require.Len(t, d.messages(), 1)

	// A fresh scheduler observing the persisted ledger must not re-fire
	// for the same minute.
	d2 := &recordingDeliverer{}
	s2 := New(home, d2, nil)
	require.NoError(t, s2.LoadSchedules("alpha"))
	s2.tick(base.Add(20 * time.Second))
	assert.Empty(t, d2.messages())
}

func TestDisabledAndNonMatchingSchedules(t *testing.T) {
	s, d, home := newScheduler(t)
	writeSchedules(t, home, "alpha", `{"schedules":[
		{"id":"off","cron":"* * * * *","message":"no","enabled":false},
		{"id":"night","cron":"0 3 * * *","message":"no","enabled":true}
	]}`)
	require.NoError(t, s.LoadSchedules("alpha"))

	s.tick(time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local))
	assert.Empty(t, d.messages())
}

func TestSpecificMinuteMatch(t *testing.T) {
	s, d, home := newScheduler(t)
	writeSchedules(t, home, "alpha",
		`{"schedules":[{"id":"m","cron":"30 8 * * *","message":"morning","enabled":true}]}`)
	require.NoError(t, s.LoadSchedules("alpha"))

	s.tick(time.Date(2026, 3, 1, 8, 29, 59, 0, time.Local))
	assert.Empty(t, d.messages())
	s.tick(time.Date(2026, 3, 1, 8, 30, 10, 0, time.Local))
	assert.Len(t, d.messages(), 1)
}

func TestInvalidCronSkipped(t *testing.T) {
	s, d, home := newScheduler(t)
	writeSchedules(t, home, "alpha", `{"schedules":[
		{"id":"bad","cron":"not a cron","message":"no","enabled":true},
		{"id":"good","cron":"* * * * *","message":"yes","enabled":true}
	]}`)
	require.NoError(t, s.LoadSchedules("alpha"))

	s.tick(time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local))
	require.Len(t, d.messages(), 1)
	assert.Equal(t, "yes", d.messages()[0].Text())
}

func TestReloadKeepsCopyOnParseError(t *testing.T) {
	s, _, home := newScheduler(t)
	writeSchedules(t, home, "alpha",
		`{"schedules":[{"id":"s1","cron":"* * * * *","message":"x","enabled":true}]}`)
	require.NoError(t, s.LoadSchedules("alpha"))
	require.Len(t, s.Loaded("alpha"), 1)

	writeSchedules(t, home, "alpha", `{"schedules": [`)
	require.Error(t, s.LoadSchedules("alpha"))
	assert.Len(t, s.Loaded("alpha"), 1, "parse error must keep previous schedules")
}

func TestUnloadSchedules(t *testing.T) {
	s, d, home := newScheduler(t)
	writeSchedules(t, home, "alpha",
		`{"schedules":[{"id":"s1","cron":"* * * * *","message":"x","enabled":true}]}`)
	require.NoError(t, s.LoadSchedules("alpha"))

	s.UnloadSchedules("alpha")
	s.tick(time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local))
	assert.Empty(t, d.messages())
}

func TestScriptScheduleOutputBecomesMessage(t *testing.T) {
	s, d, home := newScheduler(t)
	require.NoError(t, os.MkdirAll(home.MindHomeDir("alpha"), 0o755))
	writeSchedules(t, home, "alpha",
		`{"schedules":[{"id":"sc","cron":"* * * * *","script":"echo hello from script","enabled":true}]}`)
	require.NoError(t, s.LoadSchedules("alpha"))

	s.tick(time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local))
	require.Len(t, d.messages(), 1)
	assert.Equal(t, "hello from script", d.messages()[0].Text())
}

func TestScriptScheduleEmptyOutputIsNoOp(t *testing.T) {
	s, d, home := newScheduler(t)
	require.NoError(t, os.MkdirAll(home.MindHomeDir("alpha"), 0o755))
	writeSchedules(t, home, "alpha",
		`{"schedules":[{"id":"sc","cron":"* * * * *","script":"true","enabled":true}]}`)
	require.NoError(t, s.LoadSchedules("alpha"))

	s.tick(time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local))
	assert.Empty(t, d.messages())
}

func TestScriptScheduleErrorReported(t *testing.T) {
	s, d, home := newScheduler(t)
	require.NoError(t, os.MkdirAll(home.MindHomeDir("alpha"), 0o755))
	writeSchedules(t, home, "alpha",
		`{"schedules":[{"id":"sc","cron":"* * * * *","script":"echo broken >&2; exit 3","enabled":true}]}`)
	require.NoError(t, s.LoadSchedules("alpha"))

	s.tick(time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local))
	require.Len(t, d.messages(), 1)
	assert.Contains(t, d.messages()[0].Text(), "[script error]")
	assert.Contains(t, d.messages()[0].Text(), "broken")
}
