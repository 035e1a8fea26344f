package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/dubpipe/internal/apiserver"
	"github.com/allaspectsdev/dubpipe/internal/config"
	"github.com/allaspectsdev/dubpipe/internal/manifest/store"
	"github.com/allaspectsdev/dubpipe/internal/phase"
	"github.com/allaspectsdev/dubpipe/internal/version"
	"github.com/allaspectsdev/dubpipe/pkg/phaseimpl"
)

// homeDirName is the daemon's own runtime directory, holding its log file,
// PID file, and job index database. It is distinct from Workspace.RootDir,
// which holds the job workspaces the runner operates on.
const homeDirName = ".dubpipe"

// Run is the main daemon orchestrator. It builds the phase registry,
// starts the HTTP API server, and blocks until a shutdown signal is
// received.
func Run(cfg *config.Config, foreground bool) error {
	// 1. Set up zerolog logger.
	dataDir, err := daemonHomeDir()
	if err != nil {
		return fmt.Errorf("resolving daemon home directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	zerolog.SetGlobalLevel(logLevel)

	var writers []io.Writer

	logPath := filepath.Join(dataDir, "dubpipe.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	writers = append(writers, logFile)

	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "dubpipe").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("dubpipe starting")

	// 2. Check if already running.
	if IsRunning(dataDir) {
		return fmt.Errorf("dubpipe is already running (PID file exists at %s)", filepath.Join(dataDir, pidFilename))
	}

	// 3. Open the job index.
	dbPath := filepath.Join(dataDir, "jobs.db")
	jobIndex, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening job index: %w", err)
	}
	defer jobIndex.Close()

	log.Info().Str("db_path", dbPath).Msg("job index opened")

	// 4. Write PID file.
	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	log.Info().Int("pid", os.Getpid()).Msg("PID file written")

	// 5. Start config watcher.
	configFile := config.ConfigFilePath()
	if configFile == "" {
		configFile = filepath.Join(dataDir, config.DefaultConfigFilename)
	}

	var watcher *config.Watcher
	if _, statErr := os.Stat(configFile); statErr == nil {
		w, watchErr := config.Watch(configFile)
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			watcher = w
			defer watcher.Close()
			watcher.OnChange(func(old, newCfg *config.Config) {
				log.Info().Msg("configuration reloaded")
				zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
			})
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	// 6. Build the phase registry from the reference implementations.
	registry, err := phase.NewRegistry(phaseimpl.Specs())
	if err != nil {
		return fmt.Errorf("building phase registry: %w", err)
	}
	log.Info().Int("phases", registry.Len()).Msg("phase registry built")

	// 7. Resolve the workspace root and build the id -> directory resolver.
	rootDir, err := expandAndCreate(cfg.Workspace.RootDir)
	if err != nil {
		return fmt.Errorf("preparing workspace root: %w", err)
	}
	resolver := newWorkspaceResolver(rootDir)

	// 8. Wire the HTTP handler and server.
	handler := apiserver.NewHandler(resolver, registry, config.CanonicalConfigSlice, jobIndex)

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	readTimeout := time.Duration(cfg.Server.ReadTimeout) * time.Second
	writeTimeout := time.Duration(cfg.Server.WriteTimeout) * time.Second
	idleTimeout := time.Duration(cfg.Server.IdleTimeout) * time.Second

	srv := apiserver.NewServer(handler, addr, readTimeout, writeTimeout, idleTimeout, cfg.Tracing.Enabled)

	errCh := make(chan error, 1)
	go func() {
		if cfg.Server.TLSEnabled {
			log.Info().Str("addr", addr).Msg("apiserver starting (TLS)")
			if err := srv.StartTLS(cfg.Server.CertFile, cfg.Server.KeyFile); err != nil {
				errCh <- fmt.Errorf("apiserver: %w", err)
			}
		} else {
			log.Info().Str("addr", addr).Msg("apiserver starting")
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("apiserver: %w", err)
			}
		}
	}()

	scheme := "http"
	if cfg.Server.TLSEnabled {
		scheme = "https"
	}

	log.Info().
		Str("addr", addr).
		Str("workspace_root", rootDir).
		Bool("tls", cfg.Server.TLSEnabled).
		Msg("dubpipe is ready")

	if foreground {
		fmt.Printf("\n  dubpipe is running!\n")
		fmt.Printf("  API:       %s://%s\n", scheme, addr)
		fmt.Printf("  Workspace: %s\n\n", rootDir)
	}

	// 9. Wait for shutdown signal or fatal error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
		return err
	}

	// 10. Graceful shutdown with a 30-second timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info().Msg("shutting down apiserver...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("apiserver shutdown error")
	}

	// 11. Clean up.
	if err := jobIndex.Close(); err != nil {
		log.Error().Err(err).Msg("job index close error")
	}
	if err := RemovePID(dataDir); err != nil {
		log.Error().Err(err).Msg("failed to remove PID file during shutdown")
	}

	log.Info().Msg("dubpipe stopped")
	return nil
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir, err := daemonHomeDir()
	if err != nil {
		return fmt.Errorf("resolving daemon home directory: %w", err)
	}

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("dubpipe does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("dubpipe is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to dubpipe (PID %d)\n", pid)

	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}

	return nil
}

// Status checks if the daemon is running and prints a summary.
func Status() error {
	dataDir, err := daemonHomeDir()
	if err != nil {
		return fmt.Errorf("resolving daemon home directory: %w", err)
	}

	if !IsRunning(dataDir) {
		fmt.Println("dubpipe is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("dubpipe is running (PID %d)\n", pid)

	cfg := config.Get()
	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	scheme := "http"
	if cfg.Server.TLSEnabled {
		scheme = "https"
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("%s://%s/health", scheme, addr))
	if err != nil {
		fmt.Println("  (apiserver unreachable)")
		return nil
	}
	defer resp.Body.Close()

	fmt.Printf("  API: %s://%s (status %d)\n", scheme, addr, resp.StatusCode)
	return nil
}

// newWorkspaceResolver builds an apiserver.WorkspaceResolver mapping a
// workspace id to rootDir/id, rejecting ids that would escape rootDir.
func newWorkspaceResolver(rootDir string) apiserver.WorkspaceResolverFunc {
	return func(id string) (string, bool) {
		if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
			return "", false
		}
		joined := filepath.Join(rootDir, id)
		if joined != rootDir && !strings.HasPrefix(joined, rootDir+string(filepath.Separator)) {
			return "", false
		}
		if err := os.MkdirAll(joined, 0o755); err != nil {
			return "", false
		}
		return joined, true
	}
}

// expandAndCreate expands a leading ~ and ensures the resulting directory
// exists.
func expandAndCreate(path string) (string, error) {
	expanded := expandHome(path)
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", abs, err)
	}
	return abs, nil
}

// daemonHomeDir returns the daemon's own runtime directory (~/.dubpipe),
// separate from the job workspace root.
func daemonHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, homeDirName), nil
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
