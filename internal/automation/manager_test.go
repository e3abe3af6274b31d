//go:build !no_automation

package automation

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Notify on Add", Enabled: true},
		LuaCode: `zwave.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "notify_on_add" {
		t.Errorf("id = %q, want notify_on_add", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != "Notify on Add" || !got.Meta.Enabled {
		t.Errorf("meta = %+v", got.Meta)
	}
	if strings.TrimSpace(got.LuaCode) != `zwave.log("hello")` {
		t.Errorf("code = %q", got.LuaCode)
	}
}

func TestManagerUniqueIDs(t *testing.T) {
	m := newTestManager(t)
	a, err := m.Save(&Script{Meta: ScriptMeta{Name: "dup"}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Save(&Script{Meta: ScriptMeta{Name: "dup"}})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Errorf("both scripts got id %q", a.ID)
	}
	list, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("list count = %d, want 2", len(list))
	}
}

func TestManagerFileWithoutHeader(t *testing.T) {
	m := newTestManager(t)
	if err := os.WriteFile(filepath.Join(m.dir, "plain.lua"), []byte("zwave.log('x')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := m.Get("plain")
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Enabled {
		t.Error("script without metadata should be disabled")
	}
	if s.LuaCode != "zwave.log('x')\n" {
		t.Errorf("code = %q", s.LuaCode)
	}
}

func TestManagerRejectsTraversal(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"../evil", "a/b", "..", ""} {
		if _, err := m.Get(id); !errors.Is(err, ErrInvalidScriptID) {
			t.Errorf("Get(%q) err = %v, want ErrInvalidScriptID", id, err)
		}
	}
	if err := m.Delete("../x"); !errors.Is(err, ErrInvalidScriptID) {
		t.Errorf("Delete err = %v", err)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "gone"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(s.ID); err == nil {
		t.Error("expected error after delete")
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Hello World":   "hello_world",
		"  --Door--  ":  "door",
		"Ünïcode name!": "n_code_name",
	}
	for in, want := range tests {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
	if got := slugify(strings.Repeat("a", 50)); len(got) != 40 {
		t.Errorf("long name slug length = %d, want 40", len(got))
	}
}
