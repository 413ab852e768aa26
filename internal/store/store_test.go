package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mcpgate/mcpgate/internal/config"
)

func testSeed() ([]Model, []ServerDescriptor) {
	models := []Model{
		{ID: "gpt-large", Default: true, SupportsTools: true},
		{ID: "gpt-small"},
	}
	global := []ServerDescriptor{
		{ID: "fs", Transport: "stdio", Command: "mcp-fs", Enabled: true, Global: true},
	}
	return models, global
}

// storeFactory lets the same suite run against both backends.
type storeFactory func(t *testing.T) ConfigStore

func fileFactory(t *testing.T) ConfigStore {
	models, global := testSeed()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "store.yaml"), models, global)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func sqliteFactory(t *testing.T) ConfigStore {
	models, global := testSeed()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"), models, global)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func runStoreSuite(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("ListModels", func(t *testing.T) {
		s := factory(t)
		models, err := s.ListModels(ctx)
		if err != nil {
			t.Fatalf("ListModels: %v", err)
		}
		if len(models) != 2 || models[0].ID != "gpt-large" {
			t.Errorf("models = %+v", models)
		}
	})

	t.Run("GlobalServersVisible", func(t *testing.T) {
		s := factory(t)
		servers, err := s.ListServers(ctx, "alice")
		if err != nil {
			t.Fatalf("ListServers: %v", err)
		}
		if len(servers) != 1 || servers[0].ID != "fs" || !servers[0].Global {
			t.Errorf("servers = %+v", servers)
		}
	})

	t.Run("AddAndGet", func(t *testing.T) {
		s := factory(t)
		desc := ServerDescriptor{
			ID:        "search",
			Transport: "http",
			URL:       "https://search.example.com/mcp",
			Token:     "secret",
			Enabled:   true,
		}
		if err := s.AddServer(ctx, "alice", desc); err != nil {
			t.Fatalf("AddServer: %v", err)
		}

		got, ok, err := s.GetServer(ctx, "alice", "search")
		if err != nil || !ok {
			t.Fatalf("GetServer: %v, ok=%v", err, ok)
		}
		if got.URL != desc.URL || got.Token != "secret" {
			t.Errorf("got = %+v", got)
		}

		// Other users do not see it.
		_, ok, err = s.GetServer(ctx, "bob", "search")
		if err != nil {
			t.Fatalf("GetServer(bob): %v", err)
		}
		if ok {
			t.Error("bob should not see alice's server")
		}

		// But everyone sees globals.
		if _, ok, _ := s.GetServer(ctx, "bob", "fs"); !ok {
			t.Error("global server not visible to bob")
		}
	})

	t.Run("AddReplaces", func(t *testing.T) {
		s := factory(t)
		if err := s.AddServer(ctx, "alice", ServerDescriptor{ID: "x", URL: "https://a"}); err != nil {
			t.Fatalf("AddServer: %v", err)
		}
		if err := s.AddServer(ctx, "alice", ServerDescriptor{ID: "x", URL: "https://b"}); err != nil {
			t.Fatalf("AddServer replace: %v", err)
		}
		servers, _ := s.ListServers(ctx, "alice")
		if len(servers) != 2 { // global fs + x
			t.Fatalf("servers = %+v", servers)
		}
		got, _, _ := s.GetServer(ctx, "alice", "x")
		if got.URL != "https://b" {
			t.Errorf("URL = %q, want https://b", got.URL)
		}
	})

	t.Run("Remove", func(t *testing.T) {
		s := factory(t)
		s.AddServer(ctx, "alice", ServerDescriptor{ID: "x"})

		removed, err := s.RemoveServer(ctx, "alice", "x")
		if err != nil || !removed {
			t.Fatalf("RemoveServer: %v, removed=%v", err, removed)
		}
		removed, err = s.RemoveServer(ctx, "alice", "x")
		if err != nil {
			t.Fatalf("second RemoveServer: %v", err)
		}
		if removed {
			t.Error("second remove should report false")
		}

		// Globals are not removable.
		removed, err = s.RemoveServer(ctx, "alice", "fs")
		if err != nil {
			t.Fatalf("RemoveServer(global): %v", err)
		}
		if removed {
			t.Error("global server should not be removable")
		}
	})

	t.Run("RejectsEmptyID", func(t *testing.T) {
		s := factory(t)
		if err := s.AddServer(ctx, "alice", ServerDescriptor{}); err == nil {
			t.Error("AddServer with empty id should error")
		}
	})
}

func TestFileStore(t *testing.T)   { runStoreSuite(t, fileFactory) }
func TestSQLiteStore(t *testing.T) { runStoreSuite(t, sqliteFactory) }

func TestFileStore_Persistence(t *testing.T) {
	ctx := context.Background()
	models, global := testSeed()
	path := filepath.Join(t.TempDir(), "store.yaml")

	s, err := NewFileStore(path, models, global)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.AddServer(ctx, "alice", ServerDescriptor{ID: "x", Token: "tok"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	// Reopen and verify.
	s2, err := NewFileStore(path, models, global)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok, err := s2.GetServer(ctx, "alice", "x")
	if err != nil || !ok {
		t.Fatalf("GetServer after reopen: %v, ok=%v", err, ok)
	}
	if got.Token != "tok" {
		t.Errorf("token did not survive reopen: %+v", got)
	}
}

func TestFileStore_SaveReplacesWholeFile(t *testing.T) {
	ctx := context.Background()
	models, global := testSeed()
	dir := t.TempDir()
	path := filepath.Join(dir, "store.yaml")

	s, err := NewFileStore(path, models, global)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		if err := s.AddServer(ctx, "alice", ServerDescriptor{ID: id}); err != nil {
			t.Fatalf("AddServer %s: %v", id, err)
		}
	}

	// Each save renames a temp file over the store, so nothing but
	// the store itself should remain in the directory.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "store.yaml" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("leftover files after save: %v", names)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("store mode = %v, want 0600", info.Mode().Perm())
	}

	s2, err := NewFileStore(path, models, global)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	servers, err := s2.ListServers(ctx, "alice")
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	// One global plus the five added.
	if len(servers) != 6 {
		t.Errorf("servers after reopen = %d, want 6", len(servers))
	}
}

func TestSQLiteStore_Persistence(t *testing.T) {
	ctx := context.Background()
	models, global := testSeed()
	path := filepath.Join(t.TempDir(), "store.db")

	s, err := NewSQLiteStore(path, models, global)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.AddServer(ctx, "alice", ServerDescriptor{ID: "x", Token: "tok"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	s.Close()

	s2, err := NewSQLiteStore(path, models, global)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, ok, err := s2.GetServer(ctx, "alice", "x")
	if err != nil || !ok {
		t.Fatalf("GetServer after reopen: %v, ok=%v", err, ok)
	}
	if got.Token != "tok" {
		t.Errorf("token did not survive reopen: %+v", got)
	}
}

func TestFromConfig(t *testing.T) {
	off := false
	cfg := &config.Config{
		Models: []config.ModelConfig{{ID: "m1", Default: true}},
		Servers: []config.ServerConfig{
			{ID: "a", Transport: "stdio", Command: "cmd"},
			{ID: "b", Transport: "http", URL: "https://x", Enabled: &off},
		},
	}

	models, servers := FromConfig(cfg)
	if len(models) != 1 || !models[0].Default {
		t.Errorf("models = %+v", models)
	}
	if len(servers) != 2 {
		t.Fatalf("servers = %+v", servers)
	}
	if !servers[0].Enabled || !servers[0].Global {
		t.Errorf("server a = %+v", servers[0])
	}
	if servers[1].Enabled {
		t.Errorf("server b should be disabled: %+v", servers[1])
	}
}
