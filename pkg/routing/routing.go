package routing

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/volute/volute/pkg/types"
)

// Reasons for unrouted decisions.
const (
	ReasonMentionFiltered = "mention-filtered"
)

// Delivery modes carried on routed decisions.
const (
	ModeImmediate = types.ModeImmediate
	ModeBatch     = types.ModeBatch
	ModeGated     = types.ModeGated
)

// Decision is the outcome of routing one message against a mind's config.
type Decision struct {
	Routed bool   `json:"routed"`
	Reason string `json:"reason,omitempty"`

	Destination string `json:"destination,omitempty"` // "mind" or "file"
	Path        string `json:"path,omitempty"`        // file destination only

	Session      string           `json:"session,omitempty"`
	Mode         string           `json:"mode,omitempty"`
	Batch        *types.BatchSpec `json:"-"`
	Instructions string           `json:"-"`
	AutoReply    bool             `json:"-"`
}

var (
	globMu    sync.Mutex
	globCache = map[string]glob.Glob{}
)

// matchChannel reports whether pattern matches channel. Patterns use * and ?
// wildcards and match case-insensitively. A pattern that fails to compile
// matches nothing.
func matchChannel(pattern, channel string) bool {
	key := strings.ToLower(pattern)

	globMu.Lock()
	g, ok := globCache[key]
	if !ok {
		var err error
		g, err = glob.Compile(key)
		if err != nil {
			g = nil
		}
		globCache[key] = g
	}
	globMu.Unlock()

	if g == nil {
		return false
	}
	return g.Match(strings.ToLower(channel))
}

// mentionsMind reports whether any text part references the mind by name.
// Variants answer to their base name.
func mentionsMind(mind string, msg *types.Message) bool {
	base, _ := types.SplitName(mind)
	needle := strings.ToLower(base)
	for _, part := range msg.Content {
		if part.Type != "text" {
			continue
		}
		if strings.Contains(strings.ToLower(part.Text), needle) {
			return true
		}
	}
	return false
}

// newSessionName expands the "$new" session sentinel to a fresh unique name.
func newSessionName() string {
	return "new-" + uuid.NewString()[:8]
}

// Route decides where a message for mind goes. It is a pure function of the
// config and the message; all state (buffers, activity, sleep) lives in the
// delivery manager.
func Route(cfg *types.RouteConfig, mind string, msg *types.Message) Decision {
	if cfg == nil {
		cfg = &types.RouteConfig{}
	}

	for _, rule := range cfg.Rules {
		if !matchChannel(rule.Channel, msg.Channel) {
			continue
		}

		if rule.Mode == types.ModeMention && !msg.IsDM && !mentionsMind(mind, msg) {
			return Decision{Routed: false, Reason: ReasonMentionFiltered}
		}

		if rule.Destination == types.DestinationFile {
			return Decision{
				Routed:      true,
				Destination: types.DestinationFile,
				Path:        rule.Path,
			}
		}

		session := rule.Session
		switch session {
		case "":
			session = cfg.DefaultSession()
		case "$new":
			session = newSessionName()
		}
		return resolveSession(cfg, session)
	}

	if cfg.Gated() {
		return Decision{Routed: true, Mode: ModeGated}
	}
	return resolveImmediate(cfg, cfg.DefaultSession())
}

// resolveSession applies the session's delivery config to a mind-destined
// decision, upgrading to batch mode when the session asks for it.
func resolveSession(cfg *types.RouteConfig, session string) Decision {
	d := Decision{
		Routed:      true,
		Destination: types.DestinationMind,
		Session:     session,
		Mode:        ModeImmediate,
	}

	sc, ok := cfg.Sessions[session]
	if !ok {
		return d
	}
	d.Instructions = sc.Instructions
	d.AutoReply = sc.AutoReply

	if sc.Delivery != nil && sc.Delivery.Mode == types.ModeBatch {
		d.Mode = ModeBatch
		d.Batch = sc.Delivery.Batch
		if d.Batch == nil {
			d.Batch = &types.BatchSpec{Mode: types.ModeBatch}
		}
	}
	return d
}

// resolveImmediate is the unmatched fallback: default session, immediate
// mode, but session instructions and autoReply still apply.
func resolveImmediate(cfg *types.RouteConfig, session string) Decision {
	d := resolveSession(cfg, session)
	d.Mode = ModeImmediate
	d.Batch = nil
	return d
}
