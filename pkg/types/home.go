package types

import "path/filepath"

// Home resolves every well-known path under the daemon home directory.
// Exactly one component owns the write side of each file; everyone else
// treats it as read-only.
type Home struct {
	Root string
}

// Daemon-level files.

func (h Home) DaemonPIDFile() string    { return filepath.Join(h.Root, "daemon.pid") }
func (h Home) DaemonConfigFile() string { return filepath.Join(h.Root, "daemon.json") }
func (h Home) DaemonLogFile() string    { return filepath.Join(h.Root, "daemon.log") }
func (h Home) RegistryFile() string     { return filepath.Join(h.Root, "registry.json") }
func (h Home) VariantsFile() string     { return filepath.Join(h.Root, "variants.json") }
func (h Home) CrashAttemptsFile() string {
	return filepath.Join(h.Root, "crash-attempts.json")
}
func (h Home) SchedulerStateFile() string {
	return filepath.Join(h.Root, "scheduler-state.json")
}
func (h Home) SleepStateFile() string { return filepath.Join(h.Root, "sleep-state.json") }
func (h Home) DatabaseFile() string   { return filepath.Join(h.Root, "volute.db") }

// Per-mind filesystem (the mind's own world).

func (h Home) MindDir(name string) string {
	return filepath.Join(h.Root, "minds", name)
}

// MindHomeDir is the subtree exported as the child's HOME.
func (h Home) MindHomeDir(name string) string {
	return filepath.Join(h.MindDir(name), "home")
}

func (h Home) MindConfigDir(name string) string {
	return filepath.Join(h.MindDir(name), "config")
}

func (h Home) RoutesFile(name string) string {
	return filepath.Join(h.MindConfigDir(name), "routes.json")
}

func (h Home) SchedulesFile(name string) string {
	return filepath.Join(h.MindConfigDir(name), "schedules.json")
}

func (h Home) SleepConfigFile(name string) string {
	return filepath.Join(h.MindConfigDir(name), "sleep.json")
}

// Per-mind daemon-side state (never visible to the child).

func (h Home) StateDir(name string) string {
	return filepath.Join(h.Root, "state", name)
}

func (h Home) MindPIDFile(name string) string {
	return filepath.Join(h.StateDir(name), "mind.pid")
}

func (h Home) MindLogFile(name string) string {
	return filepath.Join(h.StateDir(name), "logs", "mind.log")
}

func (h Home) ChannelsFile(name string) string {
	return filepath.Join(h.StateDir(name), "channels.json")
}

func (h Home) SessionsDir(name string) string {
	return filepath.Join(h.StateDir(name), "sessions")
}

func (h Home) ArchiveDir(name string) string {
	return filepath.Join(h.StateDir(name), "archive")
}

func (h Home) ConnectorLogFile(name, kind string) string {
	return filepath.Join(h.StateDir(name), "logs", "connector-"+kind+".log")
}
