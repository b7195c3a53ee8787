// Command midterm-server is the main server process: it owns the Session
// Manager, Broadcast Hub, and settings cache, and serves the Mux, State,
// and Settings WebSocket endpoints plus the REST surface (spec.md §6).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"midterm/internal/api"
	"midterm/internal/broadcast"
	"midterm/internal/mux"
	"midterm/internal/session"
	"midterm/internal/sessionlog"
	"midterm/internal/settings"
	"midterm/internal/statechan"
	"midterm/internal/workerutil"
)

// idleCheckInterval is how often the Session Manager's idle flags are
// recomputed (supplemental to spec.md; see session.DefaultIdleTimeout).
const idleCheckInterval = 15 * time.Second

// shutdownTimeout bounds how long the HTTP server waits for in-flight
// requests and WebSocket connections to drain on shutdown.
const shutdownTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	var (
		addr         string
		dataDir      string
		hostBinary   string
		defaultShell string
	)
	flag.StringVar(&addr, "listen", "127.0.0.1:7681", "HTTP listen address")
	flag.StringVar(&dataDir, "data-dir", defaultDataDir(), "directory for settings and the session event log")
	flag.StringVar(&hostBinary, "host-binary", "", "path to the midterm-host executable (defaults to a sibling of this binary)")
	flag.StringVar(&defaultShell, "default-shell", "", "default shell kind for new sessions")
	flag.Parse()

	if hostBinary == "" {
		hostBinary = siblingHostBinary()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		slog.Error("[midterm-server] failed to create data directory", "dir", dataDir, "error", err)
		os.Exit(1)
	}

	eventLog, err := sessionlog.Open(filepath.Join(dataDir, "session-events.db"))
	if err != nil {
		slog.Error("[midterm-server] failed to open session event log", "error", err)
		os.Exit(1)
	}
	defer eventLog.Close()

	baseHandler := slog.NewTextHandler(os.Stderr, nil)
	teeHandler := sessionlog.NewTeeHandler(baseHandler, slog.LevelWarn, eventLog.EntryCallback())
	slog.SetDefault(slog.New(teeHandler))

	hub := broadcast.NewHub()

	settingsCache, err := settings.Load(filepath.Join(dataDir, "settings.yaml"), hub)
	if err != nil {
		slog.Error("[midterm-server] failed to load settings", "error", err)
		os.Exit(1)
	}
	defer settingsCache.Close()

	cur := settingsCache.Current().(settings.Settings)
	if defaultShell != "" {
		cur.DefaultShell = defaultShell
	}

	manager := session.NewManager(session.Config{
		Publisher:      hub,
		Events:         eventLog,
		HostBinaryPath: hostBinary,
		DefaultCols:    cur.DefaultCols,
		DefaultRows:    cur.DefaultRows,
	})

	apiHandler := api.New(manager, eventLog)

	httpMux := http.NewServeMux()
	apiHandler.Mount(httpMux)
	httpMux.HandleFunc("/ws/mux", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("[midterm-server] mux upgrade failed", "error", err)
			return
		}
		ch := mux.NewChannel(conn, manager)
		ch.Run(r.Context())
	})
	httpMux.HandleFunc("/ws/state", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("[midterm-server] state upgrade failed", "error", err)
			return
		}
		ch := statechan.New(conn, manager, hub)
		ch.Run()
	})
	httpMux.HandleFunc("/ws/settings", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("[midterm-server] settings upgrade failed", "error", err)
			return
		}
		ch := statechan.NewSettingsChannel(conn, settingsCache, hub)
		ch.Run()
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	workerutil.RunWithPanicRecovery(ctx, "idle-check", &wg, func(ctx context.Context) {
		ticker := time.NewTicker(idleCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if manager.CheckIdle() {
					hub.SessionsChanged()
				}
			}
		}
	}, workerutil.RecoveryOptions{
		IsShutdown: func() bool { return ctx.Err() != nil },
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("[midterm-server] failed to listen", "addr", addr, "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Handler: httpMux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if serveErr := server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("[midterm-server] serve error", "error", serveErr)
		}
	}()
	slog.Info("[midterm-server] listening", "addr", addr)

	<-ctx.Done()
	slog.Info("[midterm-server] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[midterm-server] graceful shutdown failed", "error", err)
	}
	wg.Wait()
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "midterm")
	}
	return filepath.Join(os.TempDir(), "midterm")
}

// siblingHostBinary resolves midterm-host relative to this executable, the
// layout `go build ./cmd/...` produces.
func siblingHostBinary() string {
	exe, err := os.Executable()
	if err != nil {
		return "midterm-host"
	}
	name := "midterm-host"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	candidate := filepath.Join(filepath.Dir(exe), name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return name
}
