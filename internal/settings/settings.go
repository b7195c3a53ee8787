// Package settings implements the Settings cache (spec.md §3, §4.6): a
// flat record of user preferences, consumed by the core through a
// read-through cache and a change notification.
//
// spec.md lists settings file persistence among the external collaborators
// the core only consumes through an interface; this package plays that
// collaborator's role with a minimal YAML-backed store (grounded on the
// teacher's internal/config package) so the server is runnable standalone
// — the same reasoning that brought the REST surface in-repo. See
// DESIGN.md's Open Questions for the full justification.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"

	"midterm/internal/broadcast"
)

// maxFileBytes bounds the settings file read, mirroring the teacher's
// config-file guard against a corrupt or hostile oversized file.
const maxFileBytes = 1 << 20

// Settings is the flat record spec.md §3 enumerates.
type Settings struct {
	Theme                string  `yaml:"theme" json:"theme"`
	Font                 string  `yaml:"font" json:"font"`
	CursorStyle          string  `yaml:"cursor_style" json:"cursorStyle"`
	BellStyle            string  `yaml:"bell_style" json:"bellStyle"`
	ScrollbackSize       int     `yaml:"scrollback_size" json:"scrollbackSize"`
	RunAsUser            string  `yaml:"run_as_user,omitempty" json:"runAsUser,omitempty"`
	ClipboardPolicy      string  `yaml:"clipboard_policy" json:"clipboardPolicy"`
	TabTitleMode         string  `yaml:"tab_title_mode" json:"tabTitleMode"`
	SmoothScrolling      bool    `yaml:"smooth_scrolling" json:"smoothScrolling"`
	WebGL                bool    `yaml:"webgl" json:"webgl"`
	MinimumContrastRatio float64 `yaml:"minimum_contrast_ratio" json:"minimumContrastRatio"`
	DefaultShell         string  `yaml:"default_shell" json:"defaultShell"`
	DefaultCols          int     `yaml:"default_cols" json:"defaultCols"`
	DefaultRows          int     `yaml:"default_rows" json:"defaultRows"`
	DefaultWorkingDir    string  `yaml:"default_working_directory,omitempty" json:"defaultWorkingDirectory,omitempty"`
}

// Default returns the built-in defaults, grounded on the teacher's
// config.DefaultConfig shape.
func Default() Settings {
	return Settings{
		Theme:                "dark",
		Font:                 "Menlo, monospace",
		CursorStyle:          "block",
		BellStyle:            "none",
		ScrollbackSize:       10000,
		ClipboardPolicy:      "ask",
		TabTitleMode:         "process",
		SmoothScrolling:      true,
		WebGL:                true,
		MinimumContrastRatio: 1,
		DefaultShell:         "sh",
		DefaultCols:          80,
		DefaultRows:          24,
	}
}

// Cache is the process-wide read-through settings cache. Safe for
// concurrent use.
type Cache struct {
	path string
	hub  *broadcast.Hub
	log  *slog.Logger

	mu      sync.RWMutex
	current Settings

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Load reads path (creating it with defaults if missing) and returns a
// Cache watching it for external changes via fsnotify.
func Load(path string, hub *broadcast.Hub) (*Cache, error) {
	c := &Cache{path: path, hub: hub, log: slog.With("subsystem", "settings"), done: make(chan struct{})}

	cur, err := readFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cur = Default()
			if werr := writeFile(path, cur); werr != nil {
				return nil, werr
			}
		} else {
			return nil, err
		}
	}
	c.current = cur

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.log.Warn("[settings] fsnotify unavailable, external edits won't be picked up", "error", err)
		return c, nil
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		c.log.Warn("[settings] fsnotify watch failed", "error", err)
		return c, nil
	}
	c.watcher = watcher
	go c.watchLoop()
	return c, nil
}

// Current returns a copy of the current settings record.
func (c *Cache) Current() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Update persists new and replaces the cached record, publishing
// settings-changed to the Broadcast Hub.
func (c *Cache) Update(next Settings) error {
	if err := writeFile(c.path, next); err != nil {
		return err
	}
	c.mu.Lock()
	c.current = next
	c.mu.Unlock()
	c.hub.PublishSettingsChanged()
	return nil
}

// Close stops the fsnotify watcher, if any.
func (c *Cache) Close() {
	select {
	case <-c.done:
		return
	default:
	}
	close(c.done)
	if c.watcher != nil {
		c.watcher.Close()
	}
}

func (c *Cache) watchLoop() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-c.done:
			return
		case _, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			debounce.Reset(50 * time.Millisecond)
		case <-debounce.C:
			c.reload()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Warn("[settings] fsnotify error", "error", err)
		}
	}
}

func (c *Cache) reload() {
	cur, err := readFile(c.path)
	if err != nil {
		c.log.Warn("[settings] reload failed, keeping previous record", "error", err)
		return
	}
	c.mu.Lock()
	c.current = cur
	c.mu.Unlock()
	c.hub.PublishSettingsChanged()
}

func readFile(path string) (Settings, error) {
	cur := Default()
	info, err := os.Stat(path)
	if err != nil {
		return cur, err
	}
	if info.Size() > maxFileBytes {
		return cur, fmt.Errorf("settings: file %s exceeds %d bytes", path, maxFileBytes)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cur, err
	}
	if len(raw) == 0 {
		return cur, nil
	}
	if err := yaml.Unmarshal(raw, &cur); err != nil {
		return Default(), fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return cur, nil
}

// writeFile persists cur to path via temp-file + rename, grounded on the
// teacher's config.atomicWrite.
func writeFile(path string, cur Settings) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("settings: mkdir: %w", err)
	}
	raw, err := yaml.Marshal(cur)
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("settings: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()
	if err = tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: chmod temp: %w", err)
	}
	if _, err = tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: write: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("settings: close: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("settings: rename: %w", err)
	}
	return nil
}
