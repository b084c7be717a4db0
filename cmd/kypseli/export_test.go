package main

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/mtzanidakis/kypseli/internal/swarm"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedStore(t *testing.T, db *store.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := db.SaveProject(ctx, &store.Project{ID: "p1", Name: "webshop", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	sw := &swarm.Swarm{
		ID:        "s1",
		Name:      "checkout",
		ProjectID: "p1",
		Objective: "build checkout",
		Status:    swarm.SwarmRunning,
		Tasks:     []swarm.Task{{ID: "t1", Title: "cart API", Status: swarm.TaskCompleted}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.SaveSwarm(ctx, sw); err != nil {
		t.Fatal(err)
	}
	next := now.Add(time.Hour)
	sub := &store.ScheduledSubmission{
		ID:        "sub1",
		SwarmID:   "s1",
		Name:      "nightly review",
		Schedule:  `{"kind":"cron","cron_expr":"0 3 * * *"}`,
		Task:      swarm.TaskSpec{Title: "review"},
		Status:    "active",
		NextRunAt: &next,
		CreatedAt: now,
	}
	if err := db.SaveSubmission(ctx, sub); err != nil {
		t.Fatal(err)
	}
	cs := &store.ChatSession{ID: "c1", Name: "checkout questions", ProjectID: "p1", SwarmID: "s1", CreatedAt: now, UpdatedAt: now}
	if err := db.SaveSession(ctx, cs); err != nil {
		t.Fatal(err)
	}
	for i, content := range []string{"which payment provider?", "stripe, per the design doc"} {
		m := &store.ChatMessage{
			ID:        fmt.Sprintf("m%d", i+1),
			SessionID: "c1",
			Role:      []string{store.RoleUser, store.RoleAssistant}[i],
			Content:   content,
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		}
		if err := db.AddMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSplitEntry(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantSection string
		wantID      string
	}{
		{"project", "projects/p1.json", "projects", "p1"},
		{"swarm", "swarms/4f1c.json", "swarms", "4f1c"},
		{"schedule", "schedules/sub-1.json", "schedules", "sub-1"},
		{"session", "sessions/c1.json", "sessions", "c1"},
		{"leading dot-slash", "./swarms/s1.json", "swarms", "s1"},
		{"leading slash", "/projects/p1.json", "projects", "p1"},
		{"unknown section", "agents/a1.json", "", ""},
		{"not json", "swarms/s1.txt", "", ""},
		{"nested", "swarms/old/s1.json", "", ""},
		{"top level file", "s1.json", "", ""},
		{"directory", "swarms/", "", ""},
		{"empty id", "swarms/.json", "", ""},
		{"empty string", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			section, id := splitEntry(tt.input)
			if section != tt.wantSection || id != tt.wantID {
				t.Errorf("splitEntry(%q) = (%q, %q), want (%q, %q)", tt.input, section, id, tt.wantSection, tt.wantID)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{512, "512 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
		{1610612736, "1.5 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatSize(tt.bytes); got != tt.want {
				t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	seedStore(t, src)

	archive := filepath.Join(t.TempDir(), "export.tar.zst")
	counts, err := exportArchive(ctx, src, archive)
	if err != nil {
		t.Fatal(err)
	}
	if counts[sectionProjects] != 1 || counts[sectionSwarms] != 1 || counts[sectionSchedules] != 1 || counts[sectionSessions] != 1 {
		t.Fatalf("unexpected export counts: %v", counts)
	}

	dst := newTestStore(t)
	counts, err = importArchive(ctx, dst, archive, false)
	if err != nil {
		t.Fatal(err)
	}
	if counts[sectionProjects] != 1 || counts[sectionSwarms] != 1 || counts[sectionSchedules] != 1 || counts[sectionSessions] != 1 {
		t.Fatalf("unexpected import counts: %v", counts)
	}

	p, err := dst.GetProject(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "webshop" {
		t.Errorf("project name = %q", p.Name)
	}

	swarms, err := dst.LoadSwarms(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(swarms) != 1 || swarms[0].Objective != "build checkout" || len(swarms[0].Tasks) != 1 {
		t.Fatalf("unexpected swarms after import: %+v", swarms)
	}

	sub, err := dst.GetSubmission(ctx, "sub1")
	if err != nil {
		t.Fatal(err)
	}
	if sub.Task.Title != "review" || sub.NextRunAt == nil {
		t.Errorf("unexpected submission after import: %+v", sub)
	}

	cs, err := dst.GetSession(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if cs.ProjectID != "p1" || cs.SwarmID != "s1" {
		t.Errorf("unexpected session after import: %+v", cs)
	}
	messages, err := dst.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 || messages[0].ID != "m1" || messages[1].Role != store.RoleAssistant {
		t.Errorf("unexpected messages after import: %+v", messages)
	}
}

func TestImportRefusesExistingRecords(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	seedStore(t, db)

	archive := filepath.Join(t.TempDir(), "export.tar.zst")
	if _, err := exportArchive(ctx, db, archive); err != nil {
		t.Fatal(err)
	}

	_, err := importArchive(ctx, db, archive, false)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected conflict error, got %v", err)
	}

	if _, err := importArchive(ctx, db, archive, true); err != nil {
		t.Fatalf("overwrite import failed: %v", err)
	}
}

func TestReadArchiveSkipsForeignEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed.tar.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	for name, content := range map[string]string{
		"projects/p1.json": `{"id":"p1","name":"a"}`,
		"README.md":        "hello",
		"swarms/notes.txt": "x",
	} {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	zw.Close()
	f.Close()

	entries, err := readArchive(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || len(entries[sectionProjects]) != 1 || entries[sectionProjects][0].id != "p1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestReadArchiveInvalid(t *testing.T) {
	if _, err := readArchive("/nonexistent/file.tar.zst"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}

	path := filepath.Join(t.TempDir(), "bad.tar.zst")
	if err := os.WriteFile(path, []byte("not zstd data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readArchive(path); err == nil {
		t.Fatal("expected error for invalid zstd data")
	}
}

func TestPrintSwarms(t *testing.T) {
	swarms := []swarm.Swarm{
		{ID: "s1", Name: "checkout", ProjectID: "p1", Status: swarm.SwarmRunning,
			Tasks: []swarm.Task{{Status: swarm.TaskCompleted}, {Status: swarm.TaskPending}}},
		{ID: "s2", Name: "search", ProjectID: "p2", Status: swarm.SwarmCompleted},
	}

	var buf bytes.Buffer
	if err := printSwarms(&buf, swarms, "p1"); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "checkout") || strings.Contains(out, "search") {
		t.Errorf("project filter not applied:\n%s", out)
	}
	fields := strings.Fields(strings.Split(strings.TrimSpace(out), "\n")[1])
	if fields[3] != "0" || fields[4] != "2" || fields[5] != "1" {
		t.Errorf("unexpected counts in row %v", fields)
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(buf.String()); got != "kypseli dev" {
		t.Errorf("version output = %q", got)
	}
}
