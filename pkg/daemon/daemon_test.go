package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volute/volute/pkg/statefile"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIPort, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NotEmpty(t, cfg.Home)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volute.yaml")
	raw := `
home: /tmp/volute-test
port: 4321
token: secret
isolation: true
logLevel: debug
webhook:
  url: https://example.com/hook
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/volute-test", cfg.Home)
	assert.Equal(t, 4321, cfg.Port)
	assert.Equal(t, "secret", cfg.Token)
	assert.True(t, cfg.Isolation)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://example.com/hook", cfg.Webhook.URL)
}

func TestLoadConfigParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volute.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not a number"), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestDaemonRunAndShutdown(t *testing.T) {
	home := t.TempDir()
	port := freePort(t)

	d, err := New(Config{Home: home, Port: port, Token: "test-token"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	raw, err := os.ReadFile(filepath.Join(home, "daemon.pid"))
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(raw[:len(raw)-1]))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	var info daemonInfo
	require.NoError(t, statefile.Load(filepath.Join(home, "daemon.json"), &info))
	assert.Equal(t, port, info.Port)
	assert.Equal(t, "test-token", info.Token)

	// API honors the configured token.
	req, _ := http.NewRequest(http.MethodGet, base+"/api/minds", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	_, err = os.Stat(filepath.Join(home, "daemon.pid"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(home, "daemon.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestPortCollisionLeavesFilesAlone(t *testing.T) {
	home := t.TempDir()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	// Pretend another daemon owns the home.
	pidPath := filepath.Join(home, "daemon.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte("99999\n"), 0o644))

	d, err := New(Config{Home: home, Port: port})
	require.NoError(t, err)

	err = d.Run(context.Background())
	require.Error(t, err)

	raw, err := os.ReadFile(pidPath)
	require.NoError(t, err)
	assert.Equal(t, "99999\n", string(raw))
}

func TestShutdownIdempotent(t *testing.T) {
	home := t.TempDir()
	port := freePort(t)

	d, err := New(Config{Home: home, Port: port})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 5*time.Second, 50*time.Millisecond)

	d.Shutdown()
	d.Shutdown()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestGeneratedTokenIsStable(t *testing.T) {
	d, err := New(Config{Home: t.TempDir(), Port: freePort(t)})
	require.NoError(t, err)
	defer d.Shutdown()

	tok := d.Token()
	assert.Len(t, tok, 32)
	assert.Equal(t, tok, d.Token())
}
func TestAPIStartBringsUpConnectors(t *testing.T) {
	home := t.TempDir()
	port := freePort(t)

	// A fake connector binary on PATH that records each launch.
	binDir := t.TempDir()
	script := "#!/bin/sh\necho up >> \"$VOLUTE_MIND_DIR/connector-runs\"\nsleep 30\n"
	require.NoError(t, os.WriteFile(
		filepath.Join(binDir, "volute-connector-test"), []byte(script), 0o755))
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	d, err := New(Config{
		Home:  home,
		Port:  port,
		Token: "tok",
		ServerCommand: []string{"/bin/sh", "-c",
			`echo "listening on :$VOLUTE_MIND_PORT"; sleep 30`},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Fatal("daemon did not shut down")
		}
	})

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	post := func(path, body string) int {
		req, err := http.NewRequest(http.MethodPost, base+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer tok")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusCreated, post("/api/minds", `{"name":"alpha"}`))

	// Configure the connector on disk while the mind is down, the way a
	// previous daemon run leaves it behind.
	cfgDir := filepath.Join(home, "minds", "alpha", "config")
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "connectors.json"),
		[]byte(`{"connectors":["test"]}`), 0o644))

	require.Equal(t, http.StatusOK, post("/api/minds/alpha/start", ""))

	runsFile := filepath.Join(home, "minds", "alpha", "connector-runs")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(runsFile)
		return err == nil && strings.Contains(string(data), "up")
	}, 5*time.Second, 50*time.Millisecond, "connector must follow an API start")
}
