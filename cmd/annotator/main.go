// Command annotator serves the bridge inspection annotation viewer: static
// panorama assets, the JSON persistence API and the per-connection
// WebSocket event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/bridgepano/annotator/internal/config"
	"github.com/bridgepano/annotator/internal/influx"
	"github.com/bridgepano/annotator/internal/logging"
	"github.com/bridgepano/annotator/internal/server"
	"github.com/bridgepano/annotator/internal/session"
	"github.com/bridgepano/annotator/internal/storage"
)

const appName = "annotator"

func main() {
	configDir := flag.String("config", ".", "directory holding annotator.cfg.json")
	addr := flag.String("addr", "", "listen address, overrides server.listenAddr")
	staticDir := flag.String("static", "", "static asset directory, overrides server.staticDir")
	readOnly := flag.Bool("readonly", false, "serve in read-only mode regardless of config")
	flag.Parse()

	if err := run(*configDir, *addr, *staticDir, *readOnly); err != nil {
		os.Stderr.WriteString("annotator: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func run(configDir, addrFlag, staticFlag string, readOnlyFlag bool) error {
	if err := config.Load(configDir); err != nil {
		return err
	}

	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(
		logging.LogFilePath(logsDir, appName, time.Now()),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644,
	)
	if err != nil {
		return err
	}
	defer logFile.Close()

	slogMgr := logging.NewSlogManager()
	gelfAddr := ""
	if config.GetBool("graylog.enabled") {
		gelfAddr = config.GetString("graylog.address")
	}
	if err := slogMgr.Setup(logFile, config.GetString("logLevel"), gelfAddr); err != nil {
		return err
	}
	defer slogMgr.Close()

	log := newRootLogger(logFile, config.GetString("logLevel"))
	log.Info().Str("configDir", configDir).Msg("starting up")

	backend, err := storage.NewBackend(config.GetStorageConfig(), log.With().Str("component", "storage").Logger())
	if err != nil {
		return err
	}
	if err := backend.Init(); err != nil {
		return err
	}
	defer backend.Close()
	log.Info().Str("type", config.GetStorageConfig().Type).Msg("storage initialized")

	var metrics session.Metrics
	if influxCfg := config.GetInfluxConfig(); influxCfg.Enabled {
		mgr := influx.NewManager(
			log.With().Str("component", "influx").Logger(),
			filepath.Join(influxCfg.BackupDir, "influx_backup.gz"),
		)
		if err := mgr.Connect(); err != nil {
			log.Warn().Err(err).Msg("influx unavailable, metrics disabled")
		} else {
			metrics = mgr
			defer mgr.Close()
		}
	}

	staticDir := config.GetString("server.staticDir")
	if staticFlag != "" {
		staticDir = staticFlag
	}
	readOnly := config.GetBool("server.readOnly") || readOnlyFlag

	srv, err := server.New(server.Config{
		Log:           log.With().Str("component", "server").Logger(),
		Slog:          slogMgr,
		Backend:       backend,
		StaticDir:     staticDir,
		ReadOnly:      readOnly,
		DefaultFolder: config.GetString("bridge.default"),
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	addr := config.GetString("server.listenAddr")
	if addrFlag != "" {
		addr = addrFlag
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Bool("readOnly", readOnly).Msg("listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}

// newRootLogger builds the zerolog root shared by the engine components.
// Console output stays human readable; the session log file gets the same
// records as JSON.
func newRootLogger(logFile *os.File, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(zerolog.MultiLevelWriter(console, logFile)).
		Level(lvl).
		With().Timestamp().Logger()
}
