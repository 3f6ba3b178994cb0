package delivery

import (
	"sync"

	"github.com/volute/volute/pkg/log"
	"github.com/volute/volute/pkg/statefile"
	"github.com/volute/volute/pkg/types"
)

// channelWitness remembers the human display name last seen for each
// channel a mind talks on, persisted per mind in channels.json. Batch
// headers use it to annotate channel URIs.
type channelWitness struct {
	home types.Home

	mu    sync.Mutex
	minds map[string]map[string]string // mind -> channel -> display name
}

func newChannelWitness(home types.Home) *channelWitness {
	return &channelWitness{
		home:  home,
		minds: make(map[string]map[string]string),
	}
}

func (w *channelWitness) loadLocked(mind string) map[string]string {
	if names, ok := w.minds[mind]; ok {
		return names
	}
	names := make(map[string]string)
	if err := statefile.Load(w.home.ChannelsFile(mind), &names); err != nil {
		names = make(map[string]string)
	}
	w.minds[mind] = names
	return names
}

// Observe records the display name carried on msg, if any. The file is
// rewritten only when the name actually changes.
func (w *channelWitness) Observe(mind string, msg *types.Message) {
	if msg.ChannelName == "" || msg.Channel == "" {
		return
	}
	display := msg.ChannelName
	if msg.ServerName != "" {
		display = msg.ChannelName + " @ " + msg.ServerName
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	names := w.loadLocked(mind)
	if names[msg.Channel] == display {
		return
	}
	names[msg.Channel] = display

	if err := statefile.Save(w.home.ChannelsFile(mind), names); err != nil {
		log.WithMind(mind).Warn().Err(err).Msg("Failed to save channel names")
	}
}

// DisplayName returns the last recorded display name for channel, or "".
func (w *channelWitness) DisplayName(mind, channel string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loadLocked(mind)[channel]
}

// Forget drops the cached names for mind.
func (w *channelWitness) Forget(mind string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.minds, mind)
}
