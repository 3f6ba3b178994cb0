package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MindStage represents how far along a mind is in its lifecycle
type MindStage string

const (
	MindStageSeed MindStage = "seed"
	MindStageMind MindStage = "mind"
)

// Mind is the durable registry record for one supervised mind.
// Port is assigned once at creation and is stable for the lifetime of the
// record. Running is the desired state: true means the daemon attempts a
// spawn on startup.
type Mind struct {
	Name      string    `json:"name"`
	Port      int       `json:"port"`
	Dir       string    `json:"dir"`
	Stage     MindStage `json:"stage"`
	Running   bool      `json:"running"`
	CreatedAt time.Time `json:"createdAt"`
}

// Variant is an alternate personality of a base mind, addressed as
// base@variant. It owns its own directory and port.
type Variant struct {
	Base      string    `json:"base"`
	Name      string    `json:"name"`
	Port      int       `json:"port"`
	Dir       string    `json:"dir"`
	CreatedAt time.Time `json:"createdAt"`
}

// CompositeName joins a base mind name and an optional variant.
func CompositeName(base, variant string) string {
	if variant == "" {
		return base
	}
	return base + "@" + variant
}

// SplitName splits "base@variant" into its parts. Variant is empty when the
// name is a plain base name.
func SplitName(name string) (base, variant string) {
	if i := strings.IndexByte(name, '@'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

// ContentPart is one block of message content.
type ContentPart struct {
	Type      string `json:"type"` // "text" or "image"
	Text      string `json:"text,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"` // base64 for images
	URL       string `json:"url,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// Message is an inbound platform message as posted by a connector.
type Message struct {
	Content          []ContentPart `json:"content"`
	Channel          string        `json:"channel"`
	Sender           string        `json:"sender,omitempty"`
	Platform         string        `json:"platform,omitempty"`
	IsDM             bool          `json:"isDM,omitempty"`
	ChannelName      string        `json:"channelName,omitempty"`
	ServerName       string        `json:"serverName,omitempty"`
	ParticipantCount int           `json:"participantCount,omitempty"`
}

// Text returns the concatenated text blocks of the message.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Content {
		if p.Type == "text" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Rule is one ordered routing rule. The first rule whose Channel glob
// matches the message channel wins.
type Rule struct {
	Channel     string `json:"channel"`
	Session     string `json:"session,omitempty"` // "$new" expands per match
	Destination string `json:"destination,omitempty"`
	Path        string `json:"path,omitempty"`
	Mode        string `json:"mode,omitempty"` // "mention" or "all"
}

const (
	DestinationMind = "mind"
	DestinationFile = "file"

	ModeImmediate = "immediate"
	ModeBatch     = "batch"
	ModeGated     = "gated"
	ModeMention   = "mention"
)

// BatchSpec configures batched delivery for a session. Durations are
// seconds, matching the routes.json wire format.
type BatchSpec struct {
	Mode     string   `json:"mode,omitempty"`
	Debounce float64  `json:"debounce,omitempty"`
	MaxWait  float64  `json:"maxWait,omitempty"`
	Triggers []string `json:"triggers,omitempty"`
}

// DebounceDuration returns the debounce window as a duration.
func (b *BatchSpec) DebounceDuration() time.Duration {
	return time.Duration(b.Debounce * float64(time.Second))
}

// MaxWaitDuration returns the max-wait cap as a duration.
func (b *BatchSpec) MaxWaitDuration() time.Duration {
	return time.Duration(b.MaxWait * float64(time.Second))
}

// DeliverySpec is a session's delivery setting: the strings "immediate" or
// "batch", or a full BatchSpec object.
type DeliverySpec struct {
	Mode  string
	Batch *BatchSpec
}

// UnmarshalJSON accepts both the shorthand string and the object form.
func (d *DeliverySpec) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case ModeImmediate, ModeBatch:
			d.Mode = s
			if s == ModeBatch {
				d.Batch = &BatchSpec{}
			}
			return nil
		default:
			return fmt.Errorf("unknown delivery mode %q", s)
		}
	}
	var spec BatchSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("invalid delivery spec: %w", err)
	}
	if spec.Mode == "" {
		spec.Mode = ModeBatch
	}
	d.Mode = spec.Mode
	if d.Mode == ModeBatch {
		d.Batch = &spec
	}
	return nil
}

// MarshalJSON writes the shorthand string when no batch tuning is present.
func (d DeliverySpec) MarshalJSON() ([]byte, error) {
	if d.Batch == nil {
		return json.Marshal(d.Mode)
	}
	return json.Marshal(d.Batch)
}

// SessionConfig is the per-session block of routes.json.
type SessionConfig struct {
	Delivery     *DeliverySpec `json:"delivery,omitempty"`
	Instructions string        `json:"instructions,omitempty"`
	AutoReply    bool          `json:"autoReply,omitempty"`
}

// RouteConfig is the full per-mind routing configuration (routes.json).
type RouteConfig struct {
	Rules         []Rule                   `json:"rules"`
	Sessions      map[string]SessionConfig `json:"sessions,omitempty"`
	Default       string                   `json:"default,omitempty"`
	GateUnmatched *bool                    `json:"gateUnmatched,omitempty"`
}

// Gated reports whether unmatched channels are dropped. Defaults to true.
func (c *RouteConfig) Gated() bool {
	return c.GateUnmatched == nil || *c.GateUnmatched
}

// DefaultSession returns the fallback session name ("main" when unset).
func (c *RouteConfig) DefaultSession() string {
	if c.Default == "" {
		return "main"
	}
	return c.Default
}

// Schedule is one cron entry for a mind: either a message to inject or a
// script whose output becomes the message.
type Schedule struct {
	ID      string `json:"id"`
	Cron    string `json:"cron"`
	Message string `json:"message,omitempty"`
	Script  string `json:"script,omitempty"`
	Enabled bool   `json:"enabled"`
}

// SleepSchedule holds the cron expressions for scheduled sleep and wake.
type SleepSchedule struct {
	Sleep string `json:"sleep,omitempty"`
	Wake  string `json:"wake,omitempty"`
}

// WakeTrigger is an extra wake condition beyond the built-in DM/mention
// defaults: channel and/or sender globs.
type WakeTrigger struct {
	Channel string `json:"channel,omitempty"`
	Sender  string `json:"sender,omitempty"`
}

// SleepConfig is the per-mind sleep configuration.
type SleepConfig struct {
	Enabled      bool          `json:"enabled"`
	Schedule     SleepSchedule `json:"schedule"`
	WakeTriggers []WakeTrigger `json:"wakeTriggers,omitempty"`
}

// SleepState is the persisted runtime sleep state of one mind.
type SleepState struct {
	Sleeping           bool      `json:"sleeping"`
	SleepingSince      time.Time `json:"sleepingSince,omitempty"`
	ScheduledWakeAt    time.Time `json:"scheduledWakeAt,omitempty"`
	WokenByTrigger     bool      `json:"wokenByTrigger,omitempty"`
	VoluntaryWakeAt    time.Time `json:"voluntaryWakeAt,omitempty"`
	QueuedMessageCount int       `json:"queuedMessageCount,omitempty"`
}

// QueuedMessage is one durable delivery_queue row.
type QueuedMessage struct {
	ID       string    `json:"id"`
	Mind     string    `json:"mind"`
	Session  string    `json:"session"`
	Channel  string    `json:"channel"`
	Sender   string    `json:"sender,omitempty"`
	Status   string    `json:"status"`
	Payload  Message   `json:"payload"`
	QueuedAt time.Time `json:"queuedAt"`
}

// StatusSleepQueued marks rows accumulated while the mind sleeps.
const StatusSleepQueued = "sleep-queued"
