package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/CrazyForks/anyvm/api/handlers"
	"github.com/CrazyForks/anyvm/internal/config"
	"github.com/CrazyForks/anyvm/internal/control"
	"github.com/CrazyForks/anyvm/internal/liveness"
	"github.com/CrazyForks/anyvm/internal/logger"
	"github.com/CrazyForks/anyvm/internal/relay"
	"github.com/CrazyForks/anyvm/internal/store"
	"github.com/CrazyForks/anyvm/internal/tunnel"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:          "consoled " + config.Usage,
		Short:        "WebSocket console relay for one virtual machine instance",
		Args:         cobra.ExactArgs(12),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Parse(args, dataDir)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "output",
		"directory for the session store, tunnel state file and cached binaries")
	return cmd
}

func run(cfg *config.Context) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	life, err := logger.NewLifecycle(cfg.LogPath)
	if err != nil {
		return err
	}
	defer life.Close()
	life.Tee()
	life.Event("console proxy starting: label=%s mode=%s backend=%s listen=%s pid=%d",
		cfg.Label, cfg.Mode(), cfg.BackendAddr(), cfg.ListenAddr(), cfg.HypervisorPID)

	db, err := store.Open(cfg.StorePath())
	if err != nil {
		return err
	}
	defer db.Close()
	sessions := store.NewSessionStore(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := control.NewDispatcher(cfg.ManagementAddr())

	var broadcaster *relay.Broadcaster
	if cfg.ConsoleMode {
		broadcaster = relay.NewBroadcaster(cfg.BackendAddr(), relay.HistorySize)
		go broadcaster.Run(ctx)
	}

	manager, err := newTunnelManager(cfg)
	if err != nil {
		return err
	}
	if manager != nil {
		go func() {
			if _, err := manager.Start(ctx, cfg.ListenPort); err != nil && ctx.Err() == nil {
				log.Printf("no tunnel established: %v", err)
			}
		}()
	}

	handler := handlers.NewConsoleHandler(cfg, dispatcher, broadcaster, sessions, life)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Debug {
		r.Use(gin.Logger())
	}
	r.Use(corsMiddleware())
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: r,
	}

	var once sync.Once
	terminate := func(reason string) {
		once.Do(func() {
			life.Event("terminating: %s", reason)
			if manager != nil {
				manager.Stop()
			}
			cancel()
			shutCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutCtx)
		})
	}

	monitor := liveness.NewMonitor(
		liveness.NewProcessHandle(cfg.HypervisorPID),
		liveness.DefaultInterval,
		func() { terminate("hypervisor process exited") },
	)
	go monitor.Run(ctx)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			terminate("signal " + sig.String())
		case <-ctx.Done():
		}
	}()

	log.Printf("listening on %s", cfg.ListenAddr())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		terminate("listen failed: " + err.Error())
		return err
	}

	terminate("server stopped")
	life.Event("console proxy stopped")
	return nil
}

func newTunnelManager(cfg *config.Context) (*tunnel.Manager, error) {
	if cfg.TunnelMode == config.TunnelModeOff {
		return nil, nil
	}
	strategies, err := tunnel.Select(tunnel.DefaultStrategies(), cfg.TunnelMode)
	if err != nil {
		return nil, err
	}
	return tunnel.NewManager(strategies, cfg.StateFilePath(), cfg.DataDir), nil
}

// corsMiddleware allows the viewer page to be embedded in external frontends.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
