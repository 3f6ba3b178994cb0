package delivery

import (
	"context"
	"strings"
	"time"

	"github.com/volute/volute/pkg/log"
	"github.com/volute/volute/pkg/metrics"
	"github.com/volute/volute/pkg/routing"
	"github.com/volute/volute/pkg/types"
)

// flushTimeout bounds the POST made on behalf of a timer fire, which has no
// caller context to inherit.
const flushTimeout = 30 * time.Second

// batchBuffer accumulates messages for one (mind, session) until a flush
// condition fires. gen invalidates in-flight timers after a flush.
type batchBuffer struct {
	mind    string
	session string
	spec    *types.BatchSpec

	instructions string
	autoReply    bool

	msgs []*types.Message
	gen  uint64

	debounceTimer *time.Timer
	maxWaitTimer  *time.Timer
}

func (b *batchBuffer) stopTimersLocked() {
	if b.debounceTimer != nil {
		b.debounceTimer.Stop()
		b.debounceTimer = nil
	}
	if b.maxWaitTimer != nil {
		b.maxWaitTimer.Stop()
		b.maxWaitTimer = nil
	}
}

// takeLocked empties the buffer, invalidates timers, and returns the
// messages in arrival order.
func (b *batchBuffer) takeLocked() []*types.Message {
	msgs := b.msgs
	b.msgs = nil
	b.gen++
	b.stopTimersLocked()
	return msgs
}

// enqueueBatch buffers msg for the decision's session and evaluates the
// batch spec. Flush order of checks: new-speaker interrupt, triggers,
// pass-through, then timers.
func (m *Manager) enqueueBatch(ctx context.Context, mind string, d routing.Decision, msg *types.Message) error {
	spec := d.Batch
	if spec == nil {
		spec = &types.BatchSpec{Mode: types.ModeBatch}
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}

	key := sessionKey(mind, d.Session)
	buf, ok := m.batches[key]
	if !ok {
		buf = &batchBuffer{mind: mind, session: d.Session}
		m.batches[key] = buf
	}
	buf.spec = spec
	buf.instructions = d.Instructions
	buf.autoReply = d.AutoReply

	firstInBuffer := len(buf.msgs) == 0
	buf.msgs = append(buf.msgs, msg)

	st := m.sessionLocked(mind, d.Session)
	now := time.Now()

	if m.shouldInterruptLocked(st, spec, msg, now) {
		st.lastInterruptAt = now
		msgs := buf.takeLocked()
		m.mu.Unlock()
		log.WithSession(mind, d.Session).Debug().Str("sender", msg.Sender).
			Msg("New speaker interrupt, flushing batch")
		return m.flush(ctx, buf, msgs, "interrupt")
	}

	if trigger := matchTrigger(spec.Triggers, buf.msgs); trigger != "" {
		msgs := buf.takeLocked()
		m.mu.Unlock()
		log.WithSession(mind, d.Session).Debug().Str("trigger", trigger).
			Msg("Trigger word matched, flushing batch")
		return m.flush(ctx, buf, msgs, "trigger")
	}

	if spec.Debounce <= 0 && spec.MaxWait <= 0 && len(spec.Triggers) == 0 {
		msgs := buf.takeLocked()
		m.mu.Unlock()
		return m.flush(ctx, buf, msgs, "passthrough")
	}

	if spec.Debounce > 0 {
		if buf.debounceTimer != nil {
			buf.debounceTimer.Stop()
		}
		gen := buf.gen
		buf.debounceTimer = time.AfterFunc(spec.DebounceDuration(), func() {
			m.flushFromTimer(key, gen, "debounce")
		})
	}
	if firstInBuffer && spec.MaxWait > 0 {
		gen := buf.gen
		buf.maxWaitTimer = time.AfterFunc(spec.MaxWaitDuration(), func() {
			m.flushFromTimer(key, gen, "max-wait")
		})
	}
	m.mu.Unlock()
	return nil
}

// shouldInterruptLocked implements the new-speaker interrupt. All six
// conditions must hold: the session is mid-response, the previous delivery
// is recent enough to still be the active conversation, interrupts are
// outside the debounce window, the sender is new, the channel is one the
// mind is already answering on, and the sender is known at all.
func (m *Manager) shouldInterruptLocked(st *sessionState, spec *types.BatchSpec, msg *types.Message, now time.Time) bool {
	if st.activeCount == 0 || msg.Sender == "" {
		return false
	}
	if spec.MaxWait <= 0 || now.Sub(st.lastDeliveredAt) > spec.MaxWaitDuration() {
		return false
	}
	if !st.lastInterruptAt.IsZero() && now.Sub(st.lastInterruptAt) <= spec.DebounceDuration() {
		return false
	}
	return !st.lastSenders[msg.Sender] && st.lastChannels[msg.Channel]
}

// matchTrigger returns the first trigger word contained in any buffered
// message's text, case-insensitively, or "".
func matchTrigger(triggers []string, msgs []*types.Message) string {
	if len(triggers) == 0 {
		return ""
	}
	for _, msg := range msgs {
		text := strings.ToLower(msg.Text())
		for _, t := range triggers {
			if t != "" && strings.Contains(text, strings.ToLower(t)) {
				return t
			}
		}
	}
	return ""
}

// flushFromTimer runs on a timer goroutine. The generation check discards
// fires that raced with an earlier flush.
func (m *Manager) flushFromTimer(key string, gen uint64, cause string) {
	m.mu.Lock()
	buf, ok := m.batches[key]
	if !ok || m.disposed || buf.gen != gen || len(buf.msgs) == 0 {
		m.mu.Unlock()
		return
	}
	msgs := buf.takeLocked()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := m.flush(ctx, buf, msgs, cause); err != nil {
		log.WithSession(buf.mind, buf.session).Warn().Err(err).
			Msg("Batch flush failed")
	}
}

func (m *Manager) flush(ctx context.Context, buf *batchBuffer, msgs []*types.Message, cause string) error {
	if len(msgs) == 0 {
		return nil
	}
	metrics.BatchFlushes.WithLabelValues(buf.mind, cause).Inc()
	return m.flushBufferMsgs(ctx, buf, msgs)
}

// flushBuffer delivers whatever remains in buf. Used by Dispose, where the
// buffer was already detached under the lock.
func (m *Manager) flushBuffer(ctx context.Context, buf *batchBuffer, cause string) {
	msgs := buf.msgs
	buf.msgs = nil
	if err := m.flush(ctx, buf, msgs, cause); err != nil {
		log.WithSession(buf.mind, buf.session).Warn().Err(err).
			Msg("Batch flush failed during dispose")
	}
}

// flushBufferMsgs builds the combined batch payload and sends it through
// the immediate path. The header lists each distinct channel with its
// known display name; the body concatenates messages with their senders in
// arrival order.
func (m *Manager) flushBufferMsgs(ctx context.Context, buf *batchBuffer, msgs []*types.Message) error {
	var header strings.Builder
	header.WriteString("[Batch:")

	seenChannels := make(map[string]bool)
	var channels, senders []string
	for _, msg := range msgs {
		if !seenChannels[msg.Channel] {
			seenChannels[msg.Channel] = true
			channels = append(channels, msg.Channel)
			header.WriteString(" " + msg.Channel)
			if name := m.witness.DisplayName(buf.mind, msg.Channel); name != "" {
				header.WriteString(" ( #" + name + " )")
			}
		}
		if msg.Sender != "" {
			senders = append(senders, msg.Sender)
		}
	}
	header.WriteString("]")

	var body strings.Builder
	body.WriteString(header.String())
	var extraParts []types.ContentPart
	for _, msg := range msgs {
		sender := msg.Sender
		if sender == "" {
			sender = "someone"
		}
		body.WriteString("\n" + sender + ": " + msg.Text())
		for _, part := range msg.Content {
			if part.Type != "text" {
				extraParts = append(extraParts, part)
			}
		}
	}

	parts := append([]types.ContentPart{types.TextPart(body.String())}, extraParts...)
	last := msgs[len(msgs)-1]

	return m.deliverNow(ctx, buf.mind, buf.session, parts, deliveryMeta{
		channel:          last.Channel,
		sender:           last.Sender,
		isDM:             last.IsDM,
		channelName:      last.ChannelName,
		serverName:       last.ServerName,
		participantCount: last.ParticipantCount,
		instructions:     buf.instructions,
		autoReply:        buf.autoReply,
		mode:             routing.ModeBatch,
		senders:          senders,
		channels:         channels,
	})
}
