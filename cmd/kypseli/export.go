package main

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/mtzanidakis/kypseli/internal/swarm"
	"github.com/spf13/cobra"
)

// Archive sections. Entries are named <section>/<id>.json.
const (
	sectionProjects  = "projects"
	sectionSwarms    = "swarms"
	sectionSchedules = "schedules"
	sectionSessions  = "sessions"
)

// sectionOrder is also the import order. Sessions reference projects.
var sectionOrder = []string{sectionProjects, sectionSwarms, sectionSchedules, sectionSessions}

// sessionRecord is a chat session with its messages, oldest first.
type sessionRecord struct {
	store.ChatSession
	Messages []store.ChatMessage `json:"messages"`
}

func newExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export projects, swarms, schedules and chat sessions to a tar.zst archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			counts, err := exportArchive(cmd.Context(), db, output)
			if err != nil {
				return err
			}
			info, _ := os.Stat(output)
			size := int64(0)
			if info != nil {
				size = info.Size()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Export complete: %d projects, %d swarms, %d schedules, %d sessions, %s\n",
				counts[sectionProjects], counts[sectionSwarms], counts[sectionSchedules], counts[sectionSessions], formatSize(size))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "file", "f", "", "output archive path")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newImportCmd() *cobra.Command {
	var (
		input     string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an archive written by export",
		Long:  "Import an archive written by export. Run it while the gateway is stopped.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			counts, err := importArchive(cmd.Context(), db, input, overwrite)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Import complete: %d projects, %d swarms, %d schedules, %d sessions\n",
				counts[sectionProjects], counts[sectionSwarms], counts[sectionSchedules], counts[sectionSessions])
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "file", "f", "", "archive path")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace records that already exist")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

func exportArchive(ctx context.Context, db *store.Store, outputPath string) (map[string]int, error) {
	projects, err := db.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	swarms, err := db.LoadSwarms(ctx)
	if err != nil {
		return nil, fmt.Errorf("load swarms: %w", err)
	}
	subs, err := db.ListSubmissions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	sessions, err := db.ListSessions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	counts := make(map[string]int)
	write := func(section, id string, v any) error {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal %s/%s: %w", section, id, err)
		}
		hdr := &tar.Header{
			Name:    path.Join(section, id+".json"),
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("write tar data: %w", err)
		}
		counts[section]++
		return nil
	}

	for _, p := range projects {
		if err := write(sectionProjects, p.ID, p); err != nil {
			return nil, err
		}
	}
	for _, sw := range swarms {
		if err := write(sectionSwarms, sw.ID, sw); err != nil {
			return nil, err
		}
	}
	for _, sub := range subs {
		if err := write(sectionSchedules, sub.ID, sub); err != nil {
			return nil, err
		}
	}
	for _, cs := range sessions {
		messages, err := db.ListMessages(ctx, cs.ID)
		if err != nil {
			return nil, fmt.Errorf("list messages of %s: %w", cs.ID, err)
		}
		if err := write(sectionSessions, cs.ID, sessionRecord{ChatSession: cs, Messages: messages}); err != nil {
			return nil, err
		}
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close file: %w", err)
	}
	return counts, nil
}

type archiveEntry struct {
	section string
	id      string
	data    []byte
}

// readArchive loads every recognised entry of an archive, grouped by section.
func readArchive(inputPath string) (map[string][]archiveEntry, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	entries := make(map[string][]archiveEntry)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		section, id := splitEntry(hdr.Name)
		if section == "" {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		entries[section] = append(entries[section], archiveEntry{section: section, id: id, data: data})
	}
	return entries, nil
}

func importArchive(ctx context.Context, db *store.Store, inputPath string, overwrite bool) (map[string]int, error) {
	entries, err := readArchive(inputPath)
	if err != nil {
		return nil, err
	}

	if !overwrite {
		if err := checkConflicts(ctx, db, entries); err != nil {
			return nil, err
		}
	}

	counts := make(map[string]int)
	for _, section := range sectionOrder {
		for _, e := range entries[section] {
			if err := importEntry(ctx, db, e); err != nil {
				return nil, fmt.Errorf("import %s/%s: %w", e.section, e.id, err)
			}
			counts[section]++
		}
	}
	return counts, nil
}

func importEntry(ctx context.Context, db *store.Store, e archiveEntry) error {
	switch e.section {
	case sectionProjects:
		var p store.Project
		if err := json.Unmarshal(e.data, &p); err != nil {
			return err
		}
		return db.SaveProject(ctx, &p)
	case sectionSwarms:
		var sw swarm.Swarm
		if err := json.Unmarshal(e.data, &sw); err != nil {
			return err
		}
		return db.SaveSwarm(ctx, &sw)
	case sectionSchedules:
		var sub store.ScheduledSubmission
		if err := json.Unmarshal(e.data, &sub); err != nil {
			return err
		}
		return db.SaveSubmission(ctx, &sub)
	case sectionSessions:
		var rec sessionRecord
		if err := json.Unmarshal(e.data, &rec); err != nil {
			return err
		}
		if err := db.SaveSession(ctx, &rec.ChatSession); err != nil {
			return err
		}
		for i := range rec.Messages {
			rec.Messages[i].SessionID = rec.ID
			if err := db.AddMessage(ctx, &rec.Messages[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkConflicts(ctx context.Context, db *store.Store, entries map[string][]archiveEntry) error {
	existing := make(map[string]bool)
	projects, err := db.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, p := range projects {
		existing[path.Join(sectionProjects, p.ID)] = true
	}
	swarms, err := db.LoadSwarms(ctx)
	if err != nil {
		return err
	}
	for _, sw := range swarms {
		existing[path.Join(sectionSwarms, sw.ID)] = true
	}
	subs, err := db.ListSubmissions(ctx, "")
	if err != nil {
		return err
	}
	for _, sub := range subs {
		existing[path.Join(sectionSchedules, sub.ID)] = true
	}
	sessions, err := db.ListSessions(ctx, "")
	if err != nil {
		return err
	}
	for _, cs := range sessions {
		existing[path.Join(sectionSessions, cs.ID)] = true
	}

	for _, section := range sectionOrder {
		for _, e := range entries[section] {
			if existing[path.Join(section, e.id)] {
				return fmt.Errorf("%s %s already exists, add --overwrite to replace it", strings.TrimSuffix(section, "s"), e.id)
			}
		}
	}
	return nil
}

// splitEntry splits "swarms/abc.json" into ("swarms", "abc").
// Returns an empty section for names outside the archive layout.
func splitEntry(name string) (section, id string) {
	name = strings.TrimLeft(name, "./")
	dir, file := path.Split(name)
	dir = strings.TrimSuffix(dir, "/")
	if !strings.HasSuffix(file, ".json") || strings.Contains(dir, "/") {
		return "", ""
	}
	id = strings.TrimSuffix(file, ".json")
	if id == "" {
		return "", ""
	}
	switch dir {
	case sectionProjects, sectionSwarms, sectionSchedules, sectionSessions:
		return dir, id
	}
	return "", ""
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
