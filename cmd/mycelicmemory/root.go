package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/embedder"
	"github.com/MycelicMemory/mycelicmemory/internal/logging"
	"github.com/MycelicMemory/mycelicmemory/internal/mcp"
	"github.com/MycelicMemory/mycelicmemory/internal/memory"
	"github.com/MycelicMemory/mycelicmemory/internal/relationships"
	"github.com/MycelicMemory/mycelicmemory/internal/search"
	syncpkg "github.com/MycelicMemory/mycelicmemory/internal/sync"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

var (
	// Version is set during build
	Version = "2.0.0"

	// Global flags
	cfgFile  string
	mcpMode  bool
	quiet    bool
	logLevel string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mycelicmemory",
	Short: "Universal encrypted memory daemon for AI tools",
	Long: `MycelicMemory is a per-user memory daemon: it stores atomic pieces of text,
retrieves them by semantic similarity or keyword match, and synchronizes them
across devices through a cloud relay under end-to-end encryption. AI tools
speaking MCP share the same store, giving cross-tool context continuity.

Examples:
  mycelicmemory remember "Max prefers tabs over spaces" --tags lang:fmt,user
  mycelicmemory recall "coding style preferences"
  mycelicmemory forget <memory-id>

  mycelicmemory start     # Start daemon (REST API + auto-sync)
  mycelicmemory status    # Check daemon status
  mycelicmemory login     # Device login + sync PIN setup
  mycelicmemory sync      # Manual sync cycle`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		if mcpMode {
			runMCPServer()
		} else {
			_ = cmd.Help()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log_level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&mcpMode, "mcp", false, "run as MCP server (length-framed JSON-RPC over stdin/stdout)")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress output")
}

// services bundles everything a command needs once the store is open.
type services struct {
	cfg       *config.Config
	db        *database.Database
	memSvc    *memory.Service
	searchEng *search.Engine
	relSvc    *relationships.Service
	syncEng   *syncpkg.Engine
}

// openServices loads config, opens the database, and wires the service
// graph, including the fire-and-forget push hook.
func openServices() (*services, error) {
	var cfg *config.Config
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFrom(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	level := logLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	format := cfg.Logging.Format
	if format == "console" {
		format = "text"
	}
	logging.Init(logging.Config{Level: level, Format: format, Output: "stderr"})

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		// Fatal per the error taxonomy: a store we cannot open is not a
		// condition the daemon can run through.
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.RunMigrations(); err != nil {
			db.Close()
			return nil, fmt.Errorf("error running migrations: %w", err)
		}
	}

	emb := embedder.Get(context.Background(), embedder.Config{
		ModelPath:      cfg.Embedder.ModelPath,
		MaxMemoryPages: cfg.Embedder.MaxMemoryPages,
	})

	memSvc := memory.NewService(db, cfg, emb)
	searchEng := search.NewEngine(db, emb)
	relSvc := relationships.NewService(db)
	syncEng := syncpkg.NewEngine(db, cfg, emb)

	memSvc.SetPushHook(func(memoryID string) {
		syncEng.PushOne(context.Background(), memoryID)
	})

	return &services{
		cfg:       cfg,
		db:        db,
		memSvc:    memSvc,
		searchEng: searchEng,
		relSvc:    relSvc,
		syncEng:   syncEng,
	}, nil
}

func (s *services) Close() {
	_ = s.db.Close()
}

// runMCPServer starts the MCP server over the length-framed stdio transport.
func runMCPServer() {
	svc, err := openServices()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer svc.Close()

	server := mcp.NewServer(svc.db, svc.cfg, svc.memSvc, svc.searchEng, svc.relSvc)
	transport := mcp.NewStdioTransport(server, os.Stdin, os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	svc.syncEng.StartAutoSync(ctx)

	if err := transport.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
