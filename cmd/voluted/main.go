package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/volute/volute/pkg/daemon"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "voluted",
	Short: "Volute - supervisor daemon for AI minds",
	Long: `Volute hosts AI minds as supervised subprocesses on a single machine,
brokering messages between chat platforms and the minds, with batching,
scheduling, and a sleep/wake cycle.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Volute version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	startCmd.Flags().String("home", "", "daemon home directory (default ~/.volute)")
	startCmd.Flags().String("config", "", "path to volute.yaml (default <home>/volute.yaml)")
	startCmd.Flags().Int("port", 0, "API port (default 4100)")
	startCmd.Flags().String("token", "", "API bearer token (default: generated)")
	startCmd.Flags().Bool("isolation", false, "run each mind under its own OS user")
	startCmd.Flags().String("log-level", "", "log level: debug, info, warn, error")

	statusCmd.Flags().String("home", "", "daemon home directory (default ~/.volute)")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Volute daemon",
	Long: `Start the daemon in the foreground. The daemon binds the API port on
loopback, writes daemon.pid and daemon.json into its home directory, and
autostarts every mind whose desired state is running.

Flags override values from volute.yaml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		home, _ := cmd.Flags().GetString("home")
		cfgPath, _ := cmd.Flags().GetString("config")

		if home == "" {
			home = daemon.DefaultHome()
		}
		if cfgPath == "" {
			cfgPath = filepath.Join(home, "volute.yaml")
		}

		cfg, err := daemon.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		cfg.Home = home

		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Port = port
		}
		if token, _ := cmd.Flags().GetString("token"); token != "" {
			cfg.Token = token
		}
		if cmd.Flags().Changed("isolation") {
			cfg.Isolation, _ = cmd.Flags().GetBool("isolation")
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			cfg.LogLevel = level
		}

		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}
		return d.Run(context.Background())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Volute version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		home, _ := cmd.Flags().GetString("home")
		if home == "" {
			home = daemon.DefaultHome()
		}

		raw, err := os.ReadFile(filepath.Join(home, "daemon.json"))
		if err != nil {
			fmt.Println("Daemon is not running (no daemon.json)")
			return nil
		}
		var info struct {
			Port     int    `json:"port"`
			Hostname string `json:"hostname"`
		}
		if err := json.Unmarshal(raw, &info); err != nil {
			return fmt.Errorf("daemon.json unreadable: %v", err)
		}

		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", info.Port))
		if err != nil {
			fmt.Printf("Daemon config found (port %d) but the API is not responding\n", info.Port)
			return nil
		}
		resp.Body.Close()

		fmt.Printf("Daemon is running on port %d (host %s)\n", info.Port, info.Hostname)
		return nil
	},
}
