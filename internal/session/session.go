// Package session implements the Session Manager (spec.md §4.4): the
// process-wide registry of PTY-backed sessions, their scrollback rings, and
// their Host IPC Links. It owns the single mutex that guards the session
// map and is the only writer of Session state.
package session

import (
	"time"

	"midterm/internal/hostlink"
	"midterm/internal/scrollback"
)

// ShellKind mirrors ptyhost.ShellKind as this package's own type; the two
// share the same string values.
type ShellKind string

// Recognized shell kinds (spec.md §3).
const (
	ShellPwsh       ShellKind = "pwsh"
	ShellPowerShell ShellKind = "powershell"
	ShellCmd        ShellKind = "cmd"
	ShellBash       ShellKind = "bash"
	ShellZsh        ShellKind = "zsh"
	ShellFish       ShellKind = "fish"
	ShellSh         ShellKind = "sh"
)

// MaxDimension is the largest accepted cols/rows value (spec.md §3).
const MaxDimension = 500

// MaxNameLength is the largest accepted user-supplied session name, measured
// after trimming leading/trailing whitespace (spec.md §7).
const MaxNameLength = 256

// Foreground is the session's last-sampled foreground process record
// (spec.md §3). All fields are zero-valued until the first sample arrives.
type Foreground struct {
	Pid         int    `json:"pid"`
	Name        string `json:"name"`
	CommandLine string `json:"commandLine"`
	Cwd         string `json:"cwd"`
}

// Session is the central entity of spec.md §3. Mutated only by Manager
// under its single mutex; callers outside this package only ever see
// Snapshot copies.
type Session struct {
	ID            string
	Pid           int
	ShellKind     ShellKind
	CreatedAt     time.Time

	Cols, Rows int

	UserName      *string
	ManuallyNamed bool
	TerminalTitle *string

	Foreground Foreground

	Running  bool
	ExitCode *int
	ClosedAt *time.Time

	LastActivityAt time.Time
	IdleTimeout    time.Duration
	Idle           bool

	scrollback *scrollback.Ring
	link       *hostlink.Link
}

// Snapshot is the frontend-safe, copyable view of a Session returned by
// List/Create/etc. Field names match the `sessions` push payload in
// spec.md §4.6 exactly (camelCase over the wire; see internal/statechan).
type Snapshot struct {
	ID                     string    `json:"id"`
	Name                   *string   `json:"name"`
	TerminalTitle          *string   `json:"terminalTitle"`
	ShellKind              ShellKind `json:"shellType"`
	Cols                   int       `json:"cols"`
	Rows                   int       `json:"rows"`
	Pid                    int       `json:"pid"`
	IsRunning              bool      `json:"isRunning"`
	ExitCode               *int      `json:"exitCode"`
	ForegroundName         string    `json:"foregroundName"`
	ForegroundCommandLine  string    `json:"foregroundCommandLine"`
	ForegroundCwd          string    `json:"foregroundCwd"`
	ForegroundPid          int       `json:"foregroundPid"`
	CurrentDirectory       string    `json:"currentDirectory"`
	CreatedAt              time.Time `json:"createdAt"`

	// IsIdle is additive: not part of spec.md's DTO, advisory only.
	IsIdle bool `json:"isIdle"`
}

func (s *Session) snapshot() Snapshot {
	displayName := s.UserName
	return Snapshot{
		ID:                    s.ID,
		Name:                  displayName,
		TerminalTitle:         s.TerminalTitle,
		ShellKind:             s.ShellKind,
		Cols:                  s.Cols,
		Rows:                  s.Rows,
		Pid:                   s.Pid,
		IsRunning:             s.Running,
		ExitCode:              s.ExitCode,
		ForegroundName:        s.Foreground.Name,
		ForegroundCommandLine: s.Foreground.CommandLine,
		ForegroundCwd:         s.Foreground.Cwd,
		ForegroundPid:         s.Foreground.Pid,
		CurrentDirectory:      s.Foreground.Cwd,
		CreatedAt:             s.CreatedAt,
		IsIdle:                s.Idle,
	}
}
