package routing

import (
	"os"
	"sync"

	"github.com/volute/volute/pkg/log"
	"github.com/volute/volute/pkg/statefile"
	"github.com/volute/volute/pkg/types"
)

// Loader caches each mind's routing config and reloads it when the file on
// disk changes. A parse error never drops a config: the stale in-memory
// copy is kept and a warning is logged.
type Loader struct {
	home types.Home

	mu    sync.Mutex
	cache map[string]*cachedConfig
}

type cachedConfig struct {
	cfg     *types.RouteConfig
	modTime int64
	size    int64
}

// NewLoader creates a loader resolving routes.json paths under home.
func NewLoader(home types.Home) *Loader {
	return &Loader{
		home:  home,
		cache: make(map[string]*cachedConfig),
	}
}

// Config returns the current routing config for mind, reloading from disk
// if the file changed since the last call. A mind with no routes.json gets
// an empty config, which gates everything by default.
func (l *Loader) Config(mind string) *types.RouteConfig {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.home.RoutesFile(mind)
	entry, ok := l.cache[mind]
	if !ok {
		entry = &cachedConfig{cfg: &types.RouteConfig{}}
		l.cache[mind] = entry
	}

	info, err := os.Stat(path)
	if err != nil {
		// Missing file keeps whatever we had (possibly the empty config).
		return entry.cfg
	}
	if ok && info.ModTime().UnixNano() == entry.modTime && info.Size() == entry.size {
		return entry.cfg
	}

	var cfg types.RouteConfig
	if err := statefile.Load(path, &cfg); err != nil {
		log.WithMind(mind).Warn().Err(err).Str("path", path).
			Msg("Failed to parse routing config, keeping previous copy")
		entry.modTime = info.ModTime().UnixNano()
		entry.size = info.Size()
		return entry.cfg
	}

	entry.cfg = &cfg
	entry.modTime = info.ModTime().UnixNano()
	entry.size = info.Size()
	return entry.cfg
}

// Forget drops a mind's cached config, used when the mind is removed.
func (l *Loader) Forget(mind string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, mind)
}
