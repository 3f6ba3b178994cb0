package mind

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/volute/volute/pkg/log"
	"github.com/volute/volute/pkg/logrotate"
)

// execCmd wraps an exec.Cmd with process-group signalling and a done
// channel closed when the child exits.
type execCmd struct {
	cmd     *exec.Cmd
	doneCh  chan struct{}
	waitErr error
}

func (c *execCmd) pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// signalGroup signals the child's whole process group. Children are
// spawned with Setpgid, so -pid addresses the group.
func (c *execCmd) signalGroup(sig syscall.Signal) {
	pid := c.pid()
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		// Group already gone; fall back to the single process.
		syscall.Kill(pid, sig)
	}
}

func (c *execCmd) exitString() string {
	if c.waitErr == nil {
		return "exit 0"
	}
	return c.waitErr.Error()
}

// readyWatcher scans the child's combined output for the readiness line.
type readyWatcher struct {
	needle []byte

	mu   sync.Mutex
	tail []byte
	ch   chan struct{}
	seen bool
}

func newReadyWatcher(needle string) *readyWatcher {
	return &readyWatcher{needle: []byte(needle), ch: make(chan struct{})}
}

func (w *readyWatcher) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen {
		return len(p), nil
	}
	w.tail = append(w.tail, p...)
	if bytes.Contains(w.tail, w.needle) {
		w.seen = true
		w.tail = nil
		close(w.ch)
	} else if len(w.tail) > 4096 {
		// The readiness line never spans more than a short tail.
		w.tail = w.tail[len(w.tail)-len(w.needle):]
	}
	return len(p), nil
}

// spawn launches one mind child and waits for it to announce readiness on
// its port. On failure the child is killed before returning.
func (m *Manager) spawn(ctx context.Context, name string, port int, dir string) (*process, error) {
	stateDir := m.home.StateDir(name)
	homeDir := filepath.Join(dir, "home")
	for _, d := range []string{stateDir, dir, homeDir, filepath.Dir(m.home.MindLogFile(name))} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", d, err)
		}
	}

	logW, err := logrotate.Open(m.home.MindLogFile(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open mind log: %w", err)
	}

	ready := newReadyWatcher(fmt.Sprintf("listening on :%d", port))
	out := io.MultiWriter(logW, ready)

	cmd := exec.Command(m.serverCmd[0], m.serverCmd[1:]...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = m.childEnv(name, port, dir, stateDir, homeDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if m.isolation {
		if err := m.applyIsolation(name, cmd, stateDir, dir); err != nil {
			log.WithMind(name).Warn().Err(err).
				Msg("Isolation unavailable, running unprivileged")
		}
	}

	if err := cmd.Start(); err != nil {
		logW.Close()
		return nil, fmt.Errorf("failed to spawn: %w", err)
	}

	ec := &execCmd{cmd: cmd, doneCh: make(chan struct{})}
	go func() {
		ec.waitErr = cmd.Wait()
		close(ec.doneCh)
	}()

	select {
	case <-ready.ch:
	case <-ec.doneCh:
		logW.Close()
		return nil, fmt.Errorf("exited before becoming ready (%s)", ec.exitString())
	case <-time.After(m.readyTimeout):
		ec.signalGroup(syscall.SIGKILL)
		<-ec.doneCh
		logW.Close()
		return nil, fmt.Errorf("not ready after %s", m.readyTimeout)
	case <-ctx.Done():
		ec.signalGroup(syscall.SIGKILL)
		<-ec.doneCh
		logW.Close()
		return nil, ctx.Err()
	}

	return &process{name: name, port: port, cmd: ec, logW: logW}, nil
}

// childEnv builds a sanitized environment for the child. Nothing from the
// daemon's environment leaks through except PATH and locale.
func (m *Manager) childEnv(name string, port int, dir, stateDir, homeDir string) []string {
	env := []string{
		"VOLUTE_MIND_NAME=" + name,
		"VOLUTE_MIND_PORT=" + strconv.Itoa(port),
		"VOLUTE_MIND_DIR=" + dir,
		"VOLUTE_STATE_DIR=" + stateDir,
		"HOME=" + homeDir,
	}
	for _, key := range []string{"PATH", "LANG", "LC_ALL", "TZ"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// reclaimOrphans kills any process left over from a previous daemon that
// still owns the mind's PID file or port, then clears the PID file.
func (m *Manager) reclaimOrphans(name string, port int) {
	logger := log.WithMind(name)

	if data, err := os.ReadFile(m.home.MindPIDFile(name)); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid > 0 {
			if syscall.Kill(pid, 0) == nil && m.looksLikeMindServer(pid) {
				logger.Warn().Int("pid", pid).Msg("Reclaiming orphan from PID file")
				killGroup(pid, syscall.SIGTERM)
				time.Sleep(500 * time.Millisecond)
			}
		}
		os.Remove(m.home.MindPIDFile(name))
	}

	// Anything still answering health on the reserved port gets killed by
	// port ownership, whatever its PID file situation.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if m.client.Health(ctx, port) != nil {
		return
	}
	for _, pid := range pidsListeningOn(port) {
		logger.Warn().Int("pid", pid).Int("port", port).
			Msg("Reclaiming orphan holding reserved port")
		killGroup(pid, syscall.SIGTERM)
	}
	time.Sleep(500 * time.Millisecond)
	for _, pid := range pidsListeningOn(port) {
		killGroup(pid, syscall.SIGKILL)
	}
}

// KillOrphan force-frees a mind's reserved port. The sleep manager calls
// it after stopping a mind so nothing squats on the port overnight.
func (m *Manager) KillOrphan(name string) {
	port, _, err := m.resolve(name)
	if err != nil {
		return
	}
	for _, pid := range pidsListeningOn(port) {
		log.WithMind(name).Warn().Int("pid", pid).Int("port", port).
			Msg("Killing process holding reserved port")
		killGroup(pid, syscall.SIGKILL)
	}
}

// looksLikeMindServer confirms a PID's command line references the mind
// server executable before we kill it, so a recycled PID is never a
// casualty.
func (m *Manager) looksLikeMindServer(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return false
	}
	cmdline := strings.ReplaceAll(string(data), "\x00", " ")
	return strings.Contains(cmdline, filepath.Base(m.serverCmd[0]))
}

func killGroup(pid int, sig syscall.Signal) {
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		syscall.Kill(-pgid, sig)
		return
	}
	syscall.Kill(pid, sig)
}

// pidsListeningOn walks /proc to find processes with a listening socket on
// the given local port.
func pidsListeningOn(port int) []int {
	inodes := listeningInodes(port)
	if len(inodes) == 0 {
		return nil
	}

	var pids []int
	procs, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	for _, entry := range procs {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if inodes[target] {
				pids = append(pids, pid)
				break
			}
		}
	}
	return pids
}

// listeningInodes returns the socket:[inode] links of LISTEN sockets bound
// to port, from /proc/net/tcp and tcp6.
func listeningInodes(port int) map[string]bool {
	const listenState = "0A"
	want := fmt.Sprintf(":%04X", port)

	inodes := make(map[string]bool)
	for _, table := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		data, err := os.ReadFile(table)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n")[1:] {
			fields := strings.Fields(line)
			if len(fields) < 10 {
				continue
			}
			if !strings.HasSuffix(fields[1], want) || fields[3] != listenState {
				continue
			}
			inodes["socket:["+fields[9]+"]"] = true
		}
	}
	return inodes
}
