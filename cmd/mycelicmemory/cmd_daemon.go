package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MycelicMemory/mycelicmemory/internal/api"
	"github.com/MycelicMemory/mycelicmemory/internal/daemon"
	"github.com/MycelicMemory/mycelicmemory/internal/mcp"
)

var startForeground bool

// startCmd runs the daemon: REST API, event-stream MCP transport, auto-sync
// timer, and the periodic expiry/tombstone sweep.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Run: func(cmd *cobra.Command, args []string) {
		runStart()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Run: func(cmd *cobra.Command, args []string) {
		runStop()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and store status",
	Run: func(cmd *cobra.Command, args []string) {
		runStatus()
	},
}

func init() {
	startCmd.Flags().BoolVar(&startForeground, "foreground", false, "run in the foreground instead of daemonizing")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}

// cleanupInterval paces the background expiry sweep between syncs.
const cleanupInterval = 5 * time.Minute

func runStart() {
	svc, err := openServices()
	if err != nil {
		fatal(err)
	}
	defer svc.Close()

	configDir := filepath.Dir(svc.cfg.Database.Path)
	d := daemon.New(configDir, Version)

	if d.IsRunning() {
		fmt.Println("Daemon is already running.")
		return
	}

	if !startForeground {
		// Re-exec ourselves detached; the child takes the --foreground path.
		if _, err := d.Daemonize([]string{"start", "--foreground"}); err != nil {
			fatal(err)
		}
		fmt.Println("Daemon started.")
		return
	}

	if err := d.Start(svc.cfg.RestAPI.Enabled, svc.cfg.RestAPI.Host, svc.cfg.RestAPI.Port, true); err != nil {
		fatal(err)
	}
	defer d.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	// Background expiry sweep: tombstone expired memories, then let the GC
	// predicate pick them up once they've been acknowledged by the cloud.
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := svc.db.CleanupExpired(); err == nil {
					_, _ = svc.db.PurgeTombstones()
				}
			}
		}
	}()

	svc.syncEng.StartAutoSync(ctx)

	mcpServer := mcp.NewServer(svc.db, svc.cfg, svc.memSvc, svc.searchEng, svc.relSvc)
	sse := mcp.NewSSETransport(mcpServer)

	if svc.cfg.RestAPI.Enabled {
		server := api.NewServer(svc.db, svc.cfg, svc.memSvc, svc.searchEng, sse)
		if err := server.StartWithContext(ctx, 10*time.Second); err != nil {
			fatal(err)
		}
		return
	}

	<-ctx.Done()
}

func runStop() {
	svc, err := openServices()
	if err != nil {
		fatal(err)
	}
	defer svc.Close()

	d := daemon.New(filepath.Dir(svc.cfg.Database.Path), Version)
	if err := d.Stop(); err != nil {
		fatal(err)
	}
	fmt.Println("Daemon stopped.")
}

func runStatus() {
	svc, err := openServices()
	if err != nil {
		fatal(err)
	}
	defer svc.Close()

	d := daemon.New(filepath.Dir(svc.cfg.Database.Path), Version)
	status := d.Status()

	if status.Running {
		fmt.Printf("Daemon:    running (pid %d, up %s)\n", status.PID, status.Uptime.Round(time.Second))
	} else {
		fmt.Println("Daemon:    not running")
	}

	stats, err := svc.memSvc.GetStats()
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Memories:  %d\n", stats.MemoryCount)
	fmt.Printf("Tier:      %s\n", stats.Tier)
	fmt.Printf("Logged in: %t\n", stats.LoggedIn)
	fmt.Printf("Encrypted: %t\n", stats.Encrypted)
}
