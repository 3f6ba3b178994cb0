package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/volute/volute/pkg/client"
	"github.com/volute/volute/pkg/events"
	"github.com/volute/volute/pkg/log"
	"github.com/volute/volute/pkg/metrics"
	"github.com/volute/volute/pkg/routing"
	"github.com/volute/volute/pkg/storage"
	"github.com/volute/volute/pkg/types"
)

// PortResolver resolves a mind name to the local port its child listens on.
type PortResolver func(mind string) (int, error)

// Sleeper is the slice of the sleep manager that delivery consults before
// touching a mind. It is injected after construction to break the cycle
// between delivery and sleep.
type Sleeper interface {
	IsSleeping(mind string) bool
	CheckWakeTrigger(mind string, msg *types.Message) bool
	RequestWake(mind, reason string)
}

// Poster sends one payload to a mind's child process. onDone fires when the
// child's response stream completes, after the error return.
type Poster interface {
	Deliver(ctx context.Context, port int, req *client.MessageRequest, onDone func()) error
}

// NewClientPoster adapts the mind HTTP client into a Poster. The response
// stream is drained on a background goroutine; onDone fires when it ends.
func NewClientPoster(c *client.Client) Poster {
	return clientPoster{c: c}
}

type clientPoster struct{ c *client.Client }

// streamDrainTimeout bounds a single response stream. The stream outlives
// the initiating call (an HTTP handler or a flush timer), so it runs on a
// detached context rather than the caller's.
const streamDrainTimeout = 10 * time.Minute

func (p clientPoster) Deliver(ctx context.Context, port int, req *client.MessageRequest, onDone func()) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), streamDrainTimeout)
	stream, err := p.c.PostMessage(dctx, port, req)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		defer cancel()
		defer onDone()
		if err := stream.Drain(); err != nil {
			log.WithComponent("delivery").Warn().Err(err).Int("port", port).
				Msg("Mind response stream ended with error")
		}
	}()
	return nil
}

// sessionState is the per-(mind, session) activity record. lastSenders and
// lastChannels are the witness sets of the most recent delivery, consulted
// by the new-speaker interrupt.
type sessionState struct {
	activeCount     int
	lastDeliveredAt time.Time
	lastInterruptAt time.Time
	lastSenders     map[string]bool
	lastChannels    map[string]bool
}

// Manager routes inbound messages and delivers them to mind processes. It
// owns batch buffers and session activity; nothing else writes those.
type Manager struct {
	home   types.Home
	loader *routing.Loader
	poster Poster
	store  storage.Store
	ports  PortResolver
	bus    *events.Bus

	sleeperMu sync.RWMutex
	sleeper   Sleeper

	mu       sync.Mutex
	sessions map[string]*sessionState
	batches  map[string]*batchBuffer
	witness  *channelWitness
	disposed bool
}

// Config carries the manager's collaborators.
type Config struct {
	Home   types.Home
	Loader *routing.Loader
	Poster Poster
	Store  storage.Store
	Ports  PortResolver
	Bus    *events.Bus
}

// New creates a delivery manager.
func New(cfg Config) *Manager {
	return &Manager{
		home:     cfg.Home,
		loader:   cfg.Loader,
		poster:   cfg.Poster,
		store:    cfg.Store,
		ports:    cfg.Ports,
		bus:      cfg.Bus,
		sessions: make(map[string]*sessionState),
		batches:  make(map[string]*batchBuffer),
		witness:  newChannelWitness(cfg.Home),
	}
}

// SetSleeper wires the sleep manager in after both sides exist.
func (m *Manager) SetSleeper(s Sleeper) {
	m.sleeperMu.Lock()
	m.sleeper = s
	m.sleeperMu.Unlock()
}

func (m *Manager) getSleeper() Sleeper {
	m.sleeperMu.RLock()
	defer m.sleeperMu.RUnlock()
	return m.sleeper
}

func sessionKey(mind, session string) string {
	return mind + "/" + session
}

func (m *Manager) sessionLocked(mind, session string) *sessionState {
	key := sessionKey(mind, session)
	st, ok := m.sessions[key]
	if !ok {
		st = &sessionState{
			lastSenders:  make(map[string]bool),
			lastChannels: make(map[string]bool),
		}
		m.sessions[key] = st
	}
	return st
}

// RouteAndDeliver routes one inbound message for mind and carries out the
// decision: direct POST, batch buffering, file sink, sleep queueing, or a
// gated drop. The decision is returned either way; the error covers
// delivery-side failures only.
func (m *Manager) RouteAndDeliver(ctx context.Context, mind string, msg *types.Message) (routing.Decision, error) {
	d := routing.Route(m.loader.Config(mind), mind, msg)

	if !d.Routed {
		metrics.MessagesRouted.WithLabelValues(mind, d.Reason).Inc()
		log.WithMind(mind).Debug().Str("channel", msg.Channel).Str("reason", d.Reason).
			Msg("Message filtered")
		return d, nil
	}

	if d.Mode == routing.ModeGated {
		metrics.MessagesRouted.WithLabelValues(mind, "gated").Inc()
		log.WithMind(mind).Debug().Str("channel", msg.Channel).Msg("Message gated")
		return d, nil
	}

	if d.Destination == types.DestinationFile {
		metrics.MessagesRouted.WithLabelValues(mind, "file").Inc()
		return d, m.writeToFile(mind, d.Path, msg)
	}

	metrics.MessagesRouted.WithLabelValues(mind, "delivered").Inc()
	m.witness.Observe(mind, msg)

	if sleeper := m.getSleeper(); sleeper != nil && sleeper.IsSleeping(mind) {
		m.queueForSleep(mind, d.Session, msg, sleeper)
		return d, nil
	}

	if d.Mode == routing.ModeBatch {
		return d, m.enqueueBatch(ctx, mind, d, msg)
	}
	return d, m.deliverImmediate(ctx, mind, d, msg)
}

// queueForSleep persists the message for wake-time flushing and checks
// whether it should wake the mind. Queue write failures drop the message
// after logging; sleep queueing is best-effort.
func (m *Manager) queueForSleep(mind, session string, msg *types.Message, sleeper Sleeper) {
	qm := &types.QueuedMessage{
		Mind:    mind,
		Session: session,
		Channel: msg.Channel,
		Sender:  msg.Sender,
		Status:  types.StatusSleepQueued,
		Payload: *msg,
	}
	if err := m.store.EnqueueSleepMessage(qm); err != nil {
		log.WithMind(mind).Warn().Err(err).Str("channel", msg.Channel).
			Msg("Failed to queue message for sleeping mind, dropping")
	} else {
		metrics.SleepQueueDepth.WithLabelValues(mind).Inc()
		log.WithMind(mind).Debug().Str("channel", msg.Channel).
			Msg("Message queued while mind sleeps")
	}

	if sleeper.CheckWakeTrigger(mind, msg) {
		sleeper.RequestWake(mind, "message trigger on "+msg.Channel)
	}
}

// deliveryMeta carries the non-content envelope of one POST to a mind.
type deliveryMeta struct {
	channel          string
	sender           string
	isDM             bool
	channelName      string
	serverName       string
	participantCount int
	instructions     string
	autoReply        bool
	mode             string

	// Witness sets recorded on success. Always non-empty for real
	// deliveries; a batch flush lists every buffered sender and channel.
	senders  []string
	channels []string
}

func (m *Manager) deliverImmediate(ctx context.Context, mind string, d routing.Decision, msg *types.Message) error {
	return m.deliverNow(ctx, mind, d.Session, msg.Content, deliveryMeta{
		channel:          msg.Channel,
		sender:           msg.Sender,
		isDM:             msg.IsDM,
		channelName:      msg.ChannelName,
		serverName:       msg.ServerName,
		participantCount: msg.ParticipantCount,
		instructions:     d.Instructions,
		autoReply:        d.AutoReply,
		mode:             routing.ModeImmediate,
		senders:          []string{msg.Sender},
		channels:         []string{msg.Channel},
	})
}

// deliverNow is the shared immediate path used by direct deliveries, batch
// flushes, and wake-time queue flushing. On success it marks the session
// active; the matching decrement happens in SessionDone when the child's
// stream finishes.
func (m *Manager) deliverNow(ctx context.Context, mind, session string, parts []types.ContentPart, meta deliveryMeta) error {
	port, err := m.ports(mind)
	if err != nil {
		metrics.DeliveryFailures.WithLabelValues(mind).Inc()
		return fmt.Errorf("failed to resolve port for mind %s: %w", mind, err)
	}

	content := parts
	if meta.instructions != "" {
		content = append([]types.ContentPart{
			types.TextPart("[Session instructions: " + meta.instructions + "]"),
		}, parts...)
	}

	req := &client.MessageRequest{
		Content:          content,
		Channel:          meta.channel,
		Sender:           meta.sender,
		Session:          session,
		IsDM:             meta.isDM,
		ChannelName:      meta.channelName,
		ServerName:       meta.serverName,
		ParticipantCount: meta.participantCount,
		AutoReply:        meta.autoReply,
	}

	// The session is marked active before the post so the child's done
	// callback can never race ahead of the increment.
	m.mu.Lock()
	st := m.sessionLocked(mind, session)
	st.activeCount++
	becameActive := st.activeCount == 1
	m.mu.Unlock()

	if becameActive {
		metrics.ActiveSessions.Inc()
		m.publish(events.EventMindActive, mind, session)
	}

	err = m.poster.Deliver(ctx, port, req, func() { m.SessionDone(mind, session) })
	if err != nil {
		m.SessionDone(mind, session)
		metrics.DeliveryFailures.WithLabelValues(mind).Inc()
		log.WithSession(mind, session).Warn().Err(err).Str("channel", meta.channel).
			Msg("Delivery failed")
		return fmt.Errorf("delivery to %s/%s failed: %w", mind, session, err)
	}

	m.mu.Lock()
	st.lastDeliveredAt = time.Now()
	st.lastSenders = toSet(meta.senders)
	st.lastChannels = toSet(meta.channels)
	m.mu.Unlock()

	metrics.Deliveries.WithLabelValues(mind, meta.mode).Inc()

	log.WithSession(mind, session).Debug().Str("channel", meta.channel).
		Str("mode", meta.mode).Msg("Delivered message")
	return nil
}

// DeliverDirect posts a message to a named session without routing or sleep
// checks. The sleep manager uses it to flush the wake-time queue; session
// instructions and autoReply still apply.
func (m *Manager) DeliverDirect(ctx context.Context, mind, session string, msg *types.Message) error {
	cfg := m.loader.Config(mind)
	var instructions string
	var autoReply bool
	if sc, ok := cfg.Sessions[session]; ok {
		instructions = sc.Instructions
		autoReply = sc.AutoReply
	}
	return m.deliverNow(ctx, mind, session, msg.Content, deliveryMeta{
		channel:          msg.Channel,
		sender:           msg.Sender,
		isDM:             msg.IsDM,
		channelName:      msg.ChannelName,
		serverName:       msg.ServerName,
		participantCount: msg.ParticipantCount,
		instructions:     instructions,
		autoReply:        autoReply,
		mode:             routing.ModeImmediate,
		senders:          []string{msg.Sender},
		channels:         []string{msg.Channel},
	})
}

// SessionDone records completion of one in-flight delivery. The counter
// never goes below zero; a done without a matching delivery is ignored.
func (m *Manager) SessionDone(mind, session string) {
	m.mu.Lock()
	st := m.sessions[sessionKey(mind, session)]
	sessionIdle := false
	mindIdle := false
	if st != nil && st.activeCount > 0 {
		st.activeCount--
		sessionIdle = st.activeCount == 0
	}
	if sessionIdle {
		mindIdle = true
		prefix := mind + "/"
		for key, other := range m.sessions {
			if strings.HasPrefix(key, prefix) && other.activeCount > 0 {
				mindIdle = false
				break
			}
		}
	}
	m.mu.Unlock()

	if sessionIdle {
		metrics.ActiveSessions.Dec()
		m.publish(events.EventMindDone, mind, session)
	}
	if mindIdle {
		m.publish(events.EventMindIdle, mind, session)
	}
}

// IsSessionBusy reports whether the session has an in-flight delivery.
func (m *Manager) IsSessionBusy(mind, session string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.sessions[sessionKey(mind, session)]
	return st != nil && st.activeCount > 0
}

// IsMindBusy reports whether any session of mind has an in-flight delivery.
func (m *Manager) IsMindBusy(mind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := mind + "/"
	for key, st := range m.sessions {
		if strings.HasPrefix(key, prefix) && st.activeCount > 0 {
			return true
		}
	}
	return false
}

// GetPending returns a copy of the buffered-but-unflushed messages for
// mind, keyed by session.
func (m *Manager) GetPending(mind string) map[string][]*types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]*types.Message)
	prefix := mind + "/"
	for key, buf := range m.batches {
		if !strings.HasPrefix(key, prefix) || len(buf.msgs) == 0 {
			continue
		}
		msgs := make([]*types.Message, len(buf.msgs))
		copy(msgs, buf.msgs)
		out[buf.session] = msgs
	}
	return out
}

// ClearPending drops any buffered messages for mind without delivering
// them. Called when the mind is stopped deliberately.
func (m *Manager) ClearPending(mind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := mind + "/"
	for key, buf := range m.batches {
		if strings.HasPrefix(key, prefix) {
			buf.stopTimersLocked()
			delete(m.batches, key)
		}
	}
}

// ForgetMind drops all per-mind delivery state: pending batches, session
// records, cached routing config, and channel names. Called on mind
// removal.
func (m *Manager) ForgetMind(mind string) {
	m.ClearPending(mind)
	m.mu.Lock()
	prefix := mind + "/"
	for key := range m.sessions {
		if strings.HasPrefix(key, prefix) {
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()
	m.loader.Forget(mind)
	m.witness.Forget(mind)
}

// Dispose flushes every pending batch synchronously and stops all timers.
// Further timer fires become no-ops.
func (m *Manager) Dispose(ctx context.Context) {
	m.mu.Lock()
	m.disposed = true
	pending := make([]*batchBuffer, 0, len(m.batches))
	for key, buf := range m.batches {
		buf.stopTimersLocked()
		if len(buf.msgs) > 0 {
			pending = append(pending, buf)
		}
		delete(m.batches, key)
	}
	m.mu.Unlock()

	for _, buf := range pending {
		m.flushBuffer(ctx, buf, "dispose")
	}
}

func (m *Manager) publish(t events.EventType, mind, session string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(&events.Event{
		Type:   t,
		Mind:   mind,
		Fields: map[string]string{"session": session},
	})
}

// writeToFile appends a message to a file-sink path. The path is relative
// to the mind's directory and confined to it.
func (m *Manager) writeToFile(mind, relPath string, msg *types.Message) error {
	base := m.home.MindDir(mind)
	full := filepath.Join(base, filepath.Clean("/"+relPath))

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create file sink dir: %w", err)
	}

	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open file sink %s: %w", relPath, err)
	}
	defer f.Close()

	sender := msg.Sender
	if sender == "" {
		sender = msg.Channel
	}
	line := fmt.Sprintf("[%s] %s: %s\n", time.Now().Format(time.RFC3339), sender, msg.Text())
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append to file sink %s: %w", relPath, err)
	}
	return nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		if it != "" {
			set[it] = true
		}
	}
	return set
}
