package settings

import (
	"path/filepath"
	"testing"
	"time"

	"midterm/internal/broadcast"
)

func TestLoadCreatesDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	hub := broadcast.NewHub()

	c, err := Load(path, hub)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer c.Close()

	cur := c.Current().(Settings)
	want := Default()
	if cur != want {
		t.Fatalf("Current() = %+v, want defaults %+v", cur, want)
	}
}

func TestUpdatePersistsAndPublishes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	hub := broadcast.NewHub()
	c, err := Load(path, hub)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer c.Close()

	sub := hub.Subscribe(broadcast.SettingsChanged)
	defer sub.Close()

	next := Default()
	next.Theme = "light"
	if err := c.Update(next); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatalf("settings-changed was not published")
	}

	reloaded, err := Load(path, broadcast.NewHub())
	if err != nil {
		t.Fatalf("reload Load() error = %v", err)
	}
	defer reloaded.Close()
	got := reloaded.Current().(Settings)
	if got.Theme != "light" {
		t.Fatalf("Theme = %q, want light", got.Theme)
	}
}
