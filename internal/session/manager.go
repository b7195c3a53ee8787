package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"midterm/internal/clock"
	"midterm/internal/hostlink"
	"midterm/internal/hostproto"
	"midterm/internal/ptyhost"
	"midterm/internal/scrollback"
	"midterm/internal/taxonomy"
)

// DefaultIdleTimeout is how long a session must produce no output before
// Snapshot.IsIdle flips true (supplemental; not in spec.md's invariants).
const DefaultIdleTimeout = 5 * time.Minute

// DefaultDeleteGrace is how long a manager keeps an exited session's entry
// around after exit before removing it (spec.md §4.4 permits 0 up to ~30s;
// the default here favors immediate optimistic-delete UIs).
const DefaultDeleteGrace = 0 * time.Second

// Publisher is the Broadcast Hub seam (spec.md §4.7), kept as a narrow
// interface so this package never imports internal/broadcast directly —
// the same decoupling the teacher uses for tmux.EventEmitter.
type Publisher interface {
	SessionsChanged()
	ForegroundChanged(sessionID string)
}

type noopPublisher struct{}

func (noopPublisher) SessionsChanged()         {}
func (noopPublisher) ForegroundChanged(string) {}

// EventRecorder is the session event audit trail seam (internal/sessionlog's
// Log satisfies this structurally), kept narrow for the same reason as
// Publisher: this package never imports internal/sessionlog directly.
type EventRecorder interface {
	Append(ctx context.Context, sessionID, kind string, detail any, at time.Time) error
}

type noopEventRecorder struct{}

func (noopEventRecorder) Append(context.Context, string, string, any, time.Time) error { return nil }

func (m *Manager) record(sessionID, kind string, detail any) {
	if err := m.cfg.Events.Append(context.Background(), sessionID, kind, detail, m.cfg.Clock.Now()); err != nil {
		m.log.Warn("[session] event log append failed", "session", sessionID, "kind", kind, "error", err)
	}
}

// OutputListener receives the high-volume per-session event stream a Mux
// Channel needs (spec.md §4.5); distinct from Publisher's coarse,
// coalescing topics, because every session-output byte has to reach every
// connected Mux Channel, not just the latest token.
type OutputListener interface {
	OnSessionOutput(sessionID string, data []byte)
	OnSessionForegroundChanged(sessionID string, fg Foreground)
	OnSessionExited(sessionID string, code int)
	OnSessionScrollbackDropped(sessionID string, droppedBytes int)
}

// CreateRequest is the input to Create (spec.md §6 POST /api/sessions).
type CreateRequest struct {
	ShellKind        ShellKind
	ShellPath        string
	Args             []string
	WorkingDirectory string
	Env              []string
	Cols, Rows       int
	RunAsUser        string
}

// Config configures a Manager.
type Config struct {
	Clock              clock.Clock
	Publisher          Publisher
	Events             EventRecorder
	HostBinaryPath     string
	ScrollbackCapBytes int
	DefaultCols        int
	DefaultRows        int
	IdleTimeout        time.Duration
	DeleteGrace        time.Duration
}

// Manager is the process-wide Session Manager singleton (spec.md §4.4).
type Manager struct {
	cfg Config
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string // insertion order, for deterministic List()

	listenersMu sync.Mutex
	listeners   map[*OutputListener]OutputListener
}

// NewManager constructs a Manager. Zero-valued Config fields are replaced
// with spec.md defaults.
func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	if cfg.Events == nil {
		cfg.Events = noopEventRecorder{}
	}
	if cfg.ScrollbackCapBytes <= 0 {
		cfg.ScrollbackCapBytes = scrollback.DefaultCapBytes
	}
	if cfg.DefaultCols <= 0 {
		cfg.DefaultCols = 80
	}
	if cfg.DefaultRows <= 0 {
		cfg.DefaultRows = 24
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		cfg:       cfg,
		log:       slog.With("subsystem", "session"),
		sessions:  make(map[string]*Session),
		listeners: make(map[*OutputListener]OutputListener),
	}
}

// Subscribe registers a Mux Channel's OutputListener. The returned func
// unregisters it; safe to call more than once.
func (m *Manager) Subscribe(l OutputListener) (unsubscribe func()) {
	key := &l
	m.listenersMu.Lock()
	m.listeners[key] = l
	m.listenersMu.Unlock()
	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, key)
		m.listenersMu.Unlock()
	}
}

func (m *Manager) broadcastOutput(sessionID string, data []byte) {
	m.listenersMu.Lock()
	snapshot := make([]OutputListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		snapshot = append(snapshot, l)
	}
	m.listenersMu.Unlock()
	for _, l := range snapshot {
		l.OnSessionOutput(sessionID, data)
	}
}

func (m *Manager) broadcastForeground(sessionID string, fg Foreground) {
	m.listenersMu.Lock()
	snapshot := make([]OutputListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		snapshot = append(snapshot, l)
	}
	m.listenersMu.Unlock()
	for _, l := range snapshot {
		l.OnSessionForegroundChanged(sessionID, fg)
	}
}

func (m *Manager) broadcastExited(sessionID string, code int) {
	m.listenersMu.Lock()
	snapshot := make([]OutputListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		snapshot = append(snapshot, l)
	}
	m.listenersMu.Unlock()
	for _, l := range snapshot {
		l.OnSessionExited(sessionID, code)
	}
}

func (m *Manager) broadcastScrollbackDropped(sessionID string, droppedBytes int) {
	m.listenersMu.Lock()
	snapshot := make([]OutputListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		snapshot = append(snapshot, l)
	}
	m.listenersMu.Unlock()
	for _, l := range snapshot {
		l.OnSessionScrollbackDropped(sessionID, droppedBytes)
	}
}

// Create spawns a new session (spec.md §4.4 Create). On Host IPC Link
// failure it returns a taxonomy.KindBackendUnavailable error and the
// session never enters the registry.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Snapshot, error) {
	if req.Cols <= 0 {
		req.Cols = m.cfg.DefaultCols
	}
	if req.Rows <= 0 {
		req.Rows = m.cfg.DefaultRows
	}
	if req.Cols > MaxDimension || req.Rows > MaxDimension {
		return Snapshot{}, taxonomy.New(taxonomy.KindInvalidArgument, "cols/rows exceed maximum")
	}

	id, err := m.allocateID()
	if err != nil {
		return Snapshot{}, taxonomy.Wrap(taxonomy.KindBackendUnavailable, "generate session id", err)
	}

	serverPid := os.Getpid()
	addr := hostListenAddr(id, serverPid)

	ring := scrollback.New(
		scrollback.WithCapBytes(m.cfg.ScrollbackCapBytes),
		scrollback.WithDropCallback(func(droppedBytes int, _ uint64) {
			m.broadcastScrollbackDropped(id, droppedBytes)
		}),
	)

	link, info, err := hostlink.Start(ctx, hostlink.Config{
		SessionID:      id,
		HostBinaryPath: m.cfg.HostBinaryPath,
		ListenAddr:     addr,
		Process: ptyhost.ProcessConfig{
			ShellKind: ptyhost.ShellKind(req.ShellKind),
			ShellPath: req.ShellPath,
			Args:      req.Args,
			Dir:       req.WorkingDirectory,
			Env:       req.Env,
			Cols:      req.Cols,
			Rows:      req.Rows,
			RunAsUser: req.RunAsUser,
		},
		Events: hostlink.Events{
			OnOutput: func(data []byte) {
				ring.Append(data)
				m.broadcastOutput(id, data)
				m.touchActivity(id)
			},
			OnForegroundChange: func(fg hostproto.ForegroundPayload) {
				m.onForegroundChange(id, fg)
			},
			OnExited: func(code int) {
				m.onExited(id, code)
			},
		},
	})
	if err != nil {
		return Snapshot{}, taxonomy.Wrap(taxonomy.KindBackendUnavailable, "start host link", err)
	}

	sess := &Session{
		ID:             id,
		Pid:            info.Pid,
		ShellKind:      ShellKind(req.ShellKind),
		CreatedAt:      m.cfg.Clock.Now(),
		Cols:           req.Cols,
		Rows:           req.Rows,
		Running:        true,
		LastActivityAt: m.cfg.Clock.Now(),
		IdleTimeout:    m.cfg.IdleTimeout,
		scrollback:     ring,
		link:           link,
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.log.Info("[session] created", "id", id, "shell", req.ShellKind, "cols", req.Cols, "rows", req.Rows)
	m.record(id, "create", map[string]any{"shell": req.ShellKind, "cols": req.Cols, "rows": req.Rows})
	m.cfg.Publisher.SessionsChanged()
	return sess.snapshot(), nil
}

// List returns a deterministic, insertion-ordered snapshot of every
// session's metadata (spec.md §4.4 List).
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s.snapshot())
		}
	}
	return out
}

// Get returns one session's snapshot.
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Snapshot{}, taxonomy.New(taxonomy.KindSessionNotFound, id)
	}
	return s.snapshot(), nil
}

// Resize queues the new dimensions on the link and then records them on
// the session. The link reports no result, so the recorded dimensions are
// updated without waiting for the host to apply them.
func (m *Manager) Resize(id string, cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > MaxDimension || rows > MaxDimension {
		return taxonomy.New(taxonomy.KindInvalidArgument, "cols/rows out of range")
	}
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return taxonomy.New(taxonomy.KindSessionNotFound, id)
	}
	if !s.Running {
		m.mu.Unlock()
		return taxonomy.New(taxonomy.KindSessionNotRunning, id)
	}
	link := s.link
	m.mu.Unlock()

	link.Resize(cols, rows)

	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		s.Cols, s.Rows = cols, rows
	}
	m.mu.Unlock()
	m.record(id, "resize", map[string]int{"cols": cols, "rows": rows})
	return nil
}

// Rename sets user_name and manually_named (spec.md §4.4 Rename).
func (m *Manager) Rename(id, name string) error {
	name = strings.TrimSpace(name)
	if len(name) > MaxNameLength {
		return taxonomy.New(taxonomy.KindInvalidArgument, "name exceeds 256 characters")
	}
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return taxonomy.New(taxonomy.KindSessionNotFound, id)
	}
	s.UserName = &name
	s.ManuallyNamed = true
	m.mu.Unlock()

	m.record(id, "rename", map[string]string{"name": name})
	m.cfg.Publisher.SessionsChanged()
	return nil
}

// Reorder applies a client-supplied insertion order (command RPC action
// `session.reorder`, spec.md §4.6). Unknown ids in the request are ignored;
// known ids missing from the request keep their relative order, appended
// after the requested ones.
func (m *Manager) Reorder(ids []string) error {
	m.mu.Lock()
	seen := make(map[string]bool, len(ids))
	next := make([]string, 0, len(m.order))
	for _, id := range ids {
		if _, ok := m.sessions[id]; !ok || seen[id] {
			continue
		}
		seen[id] = true
		next = append(next, id)
	}
	for _, id := range m.order {
		if !seen[id] {
			next = append(next, id)
		}
	}
	m.order = next
	m.mu.Unlock()

	m.cfg.Publisher.SessionsChanged()
	return nil
}

// Delete shuts the session's link down gracefully and removes its entry
// (spec.md §4.4 Delete).
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return taxonomy.New(taxonomy.KindSessionNotFound, id)
	}

	s.link.Shutdown("ClientRequested")

	m.mu.Lock()
	delete(m.sessions, id)
	m.order = lo.Filter(m.order, func(x string, _ int) bool { return x != id })
	m.mu.Unlock()

	m.record(id, "delete", nil)
	m.cfg.Publisher.SessionsChanged()
	return nil
}

// GetBuffer returns the session's current scrollback as raw bytes, best
// effort (spec.md §6 GET /api/sessions/{id}/buffer).
func (m *Manager) GetBuffer(id string) ([]byte, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, taxonomy.New(taxonomy.KindSessionNotFound, id)
	}
	data, _ := s.scrollback.Snapshot()
	return data, nil
}

// ScrollbackSince returns frames newer than since for id, for a Mux
// Channel reconstructing a client's view (spec.md §4.3/§4.5).
func (m *Manager) ScrollbackSince(id string, since uint64) (data []byte, head uint64, missed bool, err error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, 0, false, taxonomy.New(taxonomy.KindSessionNotFound, id)
	}
	data, head, missed = s.scrollback.Since(since)
	return data, head, missed, nil
}

// ScrollbackSnapshot returns the full held buffer and head sequence for id.
func (m *Manager) ScrollbackSnapshot(id string) (data []byte, head uint64, err error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, 0, taxonomy.New(taxonomy.KindSessionNotFound, id)
	}
	data, head = s.scrollback.Snapshot()
	return data, head, nil
}

// WriteInput forwards input bytes to the session's link, discarding
// silently if the id is unknown or the session isn't running (spec.md
// §4.5 Inbound Input).
func (m *Manager) WriteInput(id string, data []byte) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	running := ok && s.Running
	m.mu.RUnlock()
	if !running {
		return
	}
	s.link.WriteInput(data)
}

// SetIdleTimeout adjusts a session's idle-flag threshold (supplemental
// command RPC action `session.setIdleTimeout`).
func (m *Manager) SetIdleTimeout(id string, d time.Duration) error {
	if d <= 0 {
		return taxonomy.New(taxonomy.KindInvalidArgument, "idle timeout must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return taxonomy.New(taxonomy.KindSessionNotFound, id)
	}
	s.IdleTimeout = d
	return nil
}

// CheckIdle evaluates every session's idle flag against its last activity
// time, returning true if any flag changed. Grounded on the teacher's
// internal/tmux/session_manager_idle.go CheckIdleState.
func (m *Manager) CheckIdle() bool {
	now := m.cfg.Clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for _, s := range m.sessions {
		if !s.Running {
			continue
		}
		idle := now.Sub(s.LastActivityAt) >= s.IdleTimeout
		if idle != s.Idle {
			s.Idle = idle
			changed = true
		}
	}
	return changed
}

func (m *Manager) touchActivity(id string) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		s.LastActivityAt = m.cfg.Clock.Now()
		s.Idle = false
	}
	m.mu.Unlock()
}

func (m *Manager) onForegroundChange(id string, fg hostproto.ForegroundPayload) {
	record := Foreground{Pid: fg.Pid, Name: fg.Name, CommandLine: fg.CommandLine, Cwd: fg.Cwd}
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.Foreground = record
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.broadcastForeground(id, record)
	m.cfg.Publisher.ForegroundChanged(id)
}

func (m *Manager) onExited(id string, code int) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.Running = false
		c := code
		s.ExitCode = &c
		closedAt := m.cfg.Clock.Now()
		s.ClosedAt = &closedAt
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.record(id, "exit", map[string]int{"code": code})
	m.broadcastExited(id, code)
	m.cfg.Publisher.SessionsChanged()

	grace := m.cfg.DeleteGrace
	if grace <= 0 {
		m.mu.Lock()
		delete(m.sessions, id)
		m.order = lo.Filter(m.order, func(x string, _ int) bool { return x != id })
		m.mu.Unlock()
		m.cfg.Publisher.SessionsChanged()
		return
	}
	go func() {
		time.Sleep(grace)
		m.mu.Lock()
		delete(m.sessions, id)
		m.order = lo.Filter(m.order, func(x string, _ int) bool { return x != id })
		m.mu.Unlock()
		m.cfg.Publisher.SessionsChanged()
	}()
}

func (m *Manager) allocateID() (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		id, err := generateID()
		if err != nil {
			return "", err
		}
		m.mu.RLock()
		_, exists := m.sessions[id]
		m.mu.RUnlock()
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("session: could not allocate a unique id after 10 attempts")
}
