package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"video-subtitler/internal/models"
	"video-subtitler/internal/subtitles"
)

func TestStylesCommandPrintsCatalog(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"styles"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var catalog subtitles.Catalog
	if err := json.Unmarshal(out.Bytes(), &catalog); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if len(catalog.Styles) != 3 || catalog.Styles[0].ID != "yellow_highlight" {
		t.Fatalf("unexpected catalog %+v", catalog.Styles)
	}
}

func TestHistoryRequiresPostgres(t *testing.T) {
	t.Setenv("SUBTITLER_POSTGRES_DSN", "")
	t.Setenv("POSTGRES_DSN", "")
	root := newRootCommand()
	root.SetArgs([]string{"history", "some-job"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "postgres.dsn") {
		t.Fatalf("expected missing dsn error, got %v", err)
	}
}

func TestRootRegistersCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range newRootCommand().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "styles", "history"} {
		if !names[want] {
			t.Fatalf("missing %s command", want)
		}
	}
}

func TestRenderHistoryTable(t *testing.T) {
	out := renderHistory([]models.AuditLog{
		{JobID: "j1", Event: "pending", Detail: "style=clean_outline", Recorded: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{JobID: "j1", Event: "failed", Detail: "transcribing: no speech detected", Recorded: time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC)},
	})
	for _, want := range []string{"Event", "pending", "failed", "no speech detected"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
}
