package connector

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/volute/volute/pkg/log"
	"github.com/volute/volute/pkg/logrotate"
	"github.com/volute/volute/pkg/statefile"
	"github.com/volute/volute/pkg/types"
)

const stopTimeout = 5 * time.Second

// CommandFor maps a connector type to the argv that launches it.
type CommandFor func(kind string) []string

func defaultCommand(kind string) []string {
	return []string{"volute-connector-" + kind}
}

// Config carries the connector manager's settings.
type Config struct {
	Home      types.Home
	DaemonURL string
	Token     string
	Command   CommandFor
}

// proc is one live connector subprocess.
type proc struct {
	mind string
	kind string
	cmd  *exec.Cmd
	logW *logrotate.Writer

	stopping bool
	doneCh   chan struct{}
}

// Manager runs one subprocess per (mind, connector type). Connectors are
// cheap to restart, so there is no backoff bookkeeping here; a crashed
// connector is logged and left down until something starts it again.
type Manager struct {
	home      types.Home
	daemonURL string
	token     string
	command   CommandFor

	mu    sync.Mutex
	procs map[string]*proc
}

// NewManager creates a connector manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		home:      cfg.Home,
		daemonURL: cfg.DaemonURL,
		token:     cfg.Token,
		command:   cfg.Command,
		procs:     make(map[string]*proc),
	}
	if m.command == nil {
		m.command = defaultCommand
	}
	return m
}

func key(mind, kind string) string { return mind + "|" + kind }

// connectorsFile is the per-mind list of configured connector types.
type connectorsFile struct {
	Connectors []string `json:"connectors"`
}

func (m *Manager) configPath(mind string) string {
	return filepath.Join(m.home.MindConfigDir(mind), "connectors.json")
}

// Configured returns the connector types configured for mind.
func (m *Manager) Configured(mind string) []string {
	var file connectorsFile
	if err := statefile.LoadOrInit(m.configPath(mind), &file); err != nil {
		log.WithMind(mind).Warn().Err(err).Msg("Failed to read connectors config")
	}
	return file.Connectors
}

func (m *Manager) saveConfigured(mind string, kinds []string) error {
	sort.Strings(kinds)
	return statefile.Save(m.configPath(mind), connectorsFile{Connectors: kinds})
}

// AddConnector persists a connector type for mind and starts it.
func (m *Manager) AddConnector(mind, dir, kind string, mindPort int) error {
	kinds := m.Configured(mind)
	found := false
	for _, k := range kinds {
		if k == kind {
			found = true
			break
		}
	}
	if !found {
		kinds = append(kinds, kind)
		if err := m.saveConfigured(mind, kinds); err != nil {
			return fmt.Errorf("failed to save connectors config: %w", err)
		}
	}
	return m.startOne(mind, dir, kind, mindPort)
}

// RemoveConnector stops a connector and drops it from the config.
func (m *Manager) RemoveConnector(mind, kind string) error {
	kinds := m.Configured(mind)
	kept := kinds[:0]
	for _, k := range kinds {
		if k != kind {
			kept = append(kept, k)
		}
	}
	if err := m.saveConfigured(mind, kept); err != nil {
		return fmt.Errorf("failed to save connectors config: %w", err)
	}
	m.stopOne(mind, kind)
	return nil
}

// StartConnectors starts every configured connector for mind. Failures are
// per-connector warnings; one broken platform never blocks the rest.
func (m *Manager) StartConnectors(mind, dir string, mindPort int) {
	for _, kind := range m.Configured(mind) {
		if err := m.startOne(mind, dir, kind, mindPort); err != nil {
			log.WithConnector(mind, kind).Warn().Err(err).Msg("Failed to start connector")
		}
	}
}

func (m *Manager) startOne(mind, dir, kind string, mindPort int) error {
	m.mu.Lock()
	if _, ok := m.procs[key(mind, kind)]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	logger := log.WithConnector(mind, kind)

	logPath := m.home.ConnectorLogFile(mind, kind)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	logW, err := logrotate.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open connector log: %w", err)
	}

	argv := m.command(kind)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = logW
	cmd.Stderr = logW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		"VOLUTE_MIND_NAME="+mind,
		fmt.Sprintf("VOLUTE_MIND_PORT=%d", mindPort),
		"VOLUTE_MIND_DIR="+dir,
		"VOLUTE_DAEMON_URL="+m.daemonURL,
		"VOLUTE_DAEMON_TOKEN="+m.token,
	)

	if err := cmd.Start(); err != nil {
		logW.Close()
		return fmt.Errorf("failed to spawn connector %s: %w", kind, err)
	}

	p := &proc{mind: mind, kind: kind, cmd: cmd, logW: logW, doneCh: make(chan struct{})}
	m.mu.Lock()
	m.procs[key(mind, kind)] = p
	m.mu.Unlock()

	go m.watchExit(p)
	logger.Info().Int("pid", cmd.Process.Pid).Msg("Connector started")
	return nil
}

func (m *Manager) watchExit(p *proc) {
	err := p.cmd.Wait()
	close(p.doneCh)
	p.logW.Close()

	m.mu.Lock()
	if m.procs[key(p.mind, p.kind)] == p {
		delete(m.procs, key(p.mind, p.kind))
	}
	stopping := p.stopping
	m.mu.Unlock()

	if stopping {
		return
	}
	log.WithConnector(p.mind, p.kind).Warn().Err(err).
		Msg("Connector exited, waiting for external restart")
}

func (m *Manager) stopOne(mind, kind string) {
	m.mu.Lock()
	p, ok := m.procs[key(mind, kind)]
	if ok {
		p.stopping = true
		delete(m.procs, key(mind, kind))
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
	select {
	case <-p.doneCh:
	case <-time.After(stopTimeout):
		syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
		<-p.doneCh
	}
	log.WithConnector(mind, kind).Info().Msg("Connector stopped")
}

// StopMindConnectors stops every running connector for one mind without
// touching its config.
func (m *Manager) StopMindConnectors(mind string) {
	for _, kind := range m.Running(mind) {
		m.stopOne(mind, kind)
	}
}

// StopAll stops every running connector.
func (m *Manager) StopAll() {
	m.mu.Lock()
	var pairs [][2]string
	for _, p := range m.procs {
		pairs = append(pairs, [2]string{p.mind, p.kind})
	}
	m.mu.Unlock()
	for _, pair := range pairs {
		m.stopOne(pair[0], pair[1])
	}
}

// Running returns the connector types currently running for mind.
func (m *Manager) Running(mind string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kinds []string
	for _, p := range m.procs {
		if p.mind == mind {
			kinds = append(kinds, p.kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}
