// Command midterm-host is the PTY Host entrypoint (spec.md §4.1): one
// process per session, spawned and supervised by the main server via
// internal/hostlink. It owns exactly one PTY and one shell.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"midterm/internal/ptyhost"
)

type argList []string

func (a *argList) String() string { return strings.Join(*a, ",") }
func (a *argList) Set(v string) error {
	*a = append(*a, v)
	return nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	var (
		sessionID string
		listen    string
		shellKind string
		shellPath string
		cols      int
		rows      int
		dir       string
		runAsUser string
		args      argList
		env       argList
	)
	flag.StringVar(&sessionID, "session-id", "", "session id this host serves")
	flag.StringVar(&listen, "listen", "", "IPC endpoint address to bind")
	flag.StringVar(&shellKind, "shell-kind", "", "shell kind (bash, zsh, sh, pwsh, ...)")
	flag.StringVar(&shellPath, "shell-path", "", "explicit shell executable path")
	flag.IntVar(&cols, "cols", 80, "initial terminal columns")
	flag.IntVar(&rows, "rows", 24, "initial terminal rows")
	flag.StringVar(&dir, "dir", "", "working directory")
	flag.StringVar(&runAsUser, "run-as-user", "", "run the shell as this user (best-effort)")
	flag.Var(&args, "arg", "additional shell argument (repeatable)")
	flag.Var(&env, "env", "additional environment variable KEY=VALUE (repeatable)")
	flag.Parse()

	if sessionID == "" || listen == "" {
		slog.Error("[midterm-host] --session-id and --listen are required")
		os.Exit(2)
	}

	host, err := ptyhost.New(ptyhost.Config{
		SessionID:  sessionID,
		ListenAddr: listen,
		Process: ptyhost.ProcessConfig{
			ShellKind: ptyhost.ShellKind(shellKind),
			ShellPath: shellPath,
			Args:      args,
			Dir:       dir,
			Env:       env,
			Cols:      cols,
			Rows:      rows,
			RunAsUser: runAsUser,
		},
	})
	if err != nil {
		slog.Error("[midterm-host] failed to start PTY process", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := host.Run(ctx); err != nil {
		slog.Error("[midterm-host] serve loop exited with error", "error", err, "session", sessionID)
		os.Exit(1)
	}
}
