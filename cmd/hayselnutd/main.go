// hayselnutd is the hayselnut collection daemon: it owns the mapped
// time-series store and serves the local control socket.
package main

import (
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/haysel/hayselnut/internal/engine"
	"github.com/haysel/hayselnut/internal/ipc"
	"github.com/haysel/hayselnut/internal/loader"
	"github.com/haysel/hayselnut/internal/logging"
	"github.com/haysel/hayselnut/internal/tsdb"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	storePath := flag.String("store", "", "store file path (overrides config)")
	socket := flag.String("socket", "", "control socket path (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	logJSON := flag.Bool("log-json", false, "log as JSON (overrides config)")
	flag.Parse()

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = loader.DefaultConfig()
		} else {
			logging.Error("load config", "path", *cfgPath, "error", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if *socket != "" {
		cfg.IPC.Socket = *socket
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logJSON {
		cfg.Logging.Format = "json"
	}

	logging.Init(parseLevel(cfg.Logging.Level), cfg.Logging.Format == "json")
	log := logging.Component("hayselnutd")
	log.Info("starting", "version", Version, "config", *cfgPath)

	if err := loader.Validate(cfg); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Open the store. Chain-level crash damage is poisoned here and
	// logged; only an unusable file aborts startup.
	db, err := tsdb.Open(cfg.Store.Path, tsdb.Options{
		PageCapacity:   cfg.Store.PageCapacity,
		InitialSize:    uint64(cfg.Store.InitialSize.Bytes()),
		IndexBucket:    cfg.Store.IndexBucket.Duration(),
		IndexCacheSize: cfg.Store.IndexCacheSize.Bytes(),
	})
	if err != nil {
		log.Error("open store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}

	eng := engine.New(db, engine.Config{
		SubmitQueueSize: cfg.Engine.SubmitQueueSize,
		SyncInterval:    cfg.Engine.SyncInterval.Duration(),
		DrainTimeout:    cfg.Engine.DrainTimeout.Duration(),
		SketchAccuracy:  cfg.Summaries.Accuracy,
	})
	if err := eng.Start(); err != nil {
		db.Close()
		log.Error("start engine", "error", err)
		os.Exit(1)
	}

	srv := ipc.NewServer(ipc.ServerConfig{
		Engine:          eng,
		SocketPath:      cfg.IPC.Socket,
		MaxFrameSize:    uint32(cfg.IPC.MaxFrameSize.Bytes()),
		MaxQueryResults: cfg.IPC.MaxQueryResults,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Info("shutting down", "signal", s.String())

		// Stop accepting requests first, then drain the write queue,
		// then close the store.
		srv.Shutdown()
		if err := eng.Stop(); err != nil {
			log.Warn("engine stop", "error", err)
		}
		if err := db.Close(); err != nil {
			log.Warn("store close", "error", err)
		}
		os.Exit(0)
	}()

	if err := srv.Run(); err != nil {
		log.Error("ipc server", "error", err)
		eng.Stop()
		db.Close()
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
