package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/netreplay/internal/types"
)

func sampleRecording(name string) *types.Recording {
	rec := types.NewRecording(name, []string{"/api"})
	status := 200
	body := `{"ok":true}`
	rec.Add(&types.PendingRequest{
		ID:           "1",
		URL:          "https://example.test/api/users?page=1",
		Method:       "GET",
		Timestamp:    time.Now(),
		Status:       &status,
		ResponseBody: &body,
	}, "/api/users?page=1")
	rec.Add(&types.PendingRequest{
		ID:        "2",
		URL:       "https://example.test/api/users?page=1",
		Method:    "GET",
		Timestamp: time.Now(),
		Status:    &status,
	}, "/api/users?page=1")
	rec.Add(&types.PendingRequest{
		ID:        "3",
		URL:       "https://example.test/api/orders",
		Method:    "POST",
		Timestamp: time.Now(),
		Status:    &status,
	}, "/api/orders")
	rec.RecomputeMetadata()
	return rec
}

func TestRecordingsSaveLoadList(t *testing.T) {
	ctx := context.Background()
	repo := NewRecordings(NewMemoryStore())

	if err := repo.Save(ctx, sampleRecording("first")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := repo.SetLastUsed(ctx, "first"); err != nil {
		t.Fatalf("SetLastUsed() error = %v", err)
	}
	if err := repo.SaveCounters(ctx, types.ReplayCounters{"/api/users": 2}); err != nil {
		t.Fatalf("SaveCounters() error = %v", err)
	}

	loaded, err := repo.Load(ctx, "first")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Len() != 3 || loaded.Metadata.ResponsesWithBody != 1 {
		t.Fatalf("Load() = %d records, %d with body; want 3, 1", loaded.Len(), loaded.Metadata.ResponsesWithBody)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List() = %d entries; want 1 (sibling keys excluded)", len(list))
	}
	if list[0].Name != "first" || list[0].Requests != 3 || list[0].TotalRequests != 3 {
		t.Fatalf("List()[0] = %+v; want first with 3 requests", list[0])
	}
	if len(list[0].Filter) != 1 || list[0].Filter[0] != "/api" {
		t.Fatalf("List()[0].Filter = %v; want [/api]", list[0].Filter)
	}
}

func TestRecordingsLoadMissing(t *testing.T) {
	repo := NewRecordings(NewMemoryStore())
	_, err := repo.Load(context.Background(), "nope")
	if !types.HasCode(err, types.CodeRecordingNotFound) {
		t.Fatalf("Load(nope) error = %v; want RECORDING_NOT_FOUND", err)
	}
	_, err = repo.Load(context.Background(), KeyReplayedRequests)
	if !types.HasCode(err, types.CodeRecordingNotFound) {
		t.Fatalf("Load(%s) error = %v; want RECORDING_NOT_FOUND", KeyReplayedRequests, err)
	}
}

func TestRecordingsDeleteClearsLastUsed(t *testing.T) {
	ctx := context.Background()
	repo := NewRecordings(NewMemoryStore())
	_ = repo.Save(ctx, sampleRecording("gone"))
	_ = repo.SetLastUsed(ctx, "gone")

	if err := repo.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	last, err := repo.LastUsed(ctx)
	if err != nil || last != "" {
		t.Fatalf("LastUsed() = %q, %v; want empty", last, err)
	}
	if err := repo.Delete(ctx, "gone"); !types.HasCode(err, types.CodeRecordingNotFound) {
		t.Fatalf("Delete() twice error = %v; want RECORDING_NOT_FOUND", err)
	}
}

func TestRecordingsImportLegacyDocument(t *testing.T) {
	ctx := context.Background()
	repo := NewRecordings(NewMemoryStore())
	doc := `{
		"name": "legacy",
		"filter": "/api",
		"timestamp": 1700000000000,
		"requests": {
			"GET_/api/b_2": {"url": "https://x.test/api/b", "method": "GET", "timeStamp": 2, "status": 200, "responseBody": "b"},
			"GET_/api/a_1": {"url": "https://x.test/api/a", "method": "GET", "timeStamp": 1, "status": 200, "responseBody": "a"}
		},
		"metadata": {"totalRequests": 2, "responsesWithBody": 2}
	}`

	rec, err := repo.Import(ctx, []byte(doc))
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if rec.Name != "legacy" {
		t.Fatalf("Import().Name = %q; want legacy", rec.Name)
	}
	last, _ := repo.LastUsed(ctx)
	if last != "legacy" {
		t.Fatalf("LastUsed() = %q; want legacy", last)
	}

	preview, err := repo.Preview(ctx, "legacy")
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if len(preview) != 2 || preview[0].PathAndQuery != "/api/a" {
		t.Fatalf("Preview() = %+v; want /api/a first", preview)
	}
}

func TestRecordingsImportRejectsInvalid(t *testing.T) {
	repo := NewRecordings(NewMemoryStore())
	cases := []string{
		`not json`,
		`{"name": "", "requests": {}}`,
		`{"name": "x", "requests": {"k": {"url": "https://x.test/a"}}}`,
		`{"name": "lastUsedRecord", "requests": {}}`,
	}
	for _, doc := range cases {
		if _, err := repo.Import(context.Background(), []byte(doc)); err == nil {
			t.Fatalf("Import(%s) error = nil; want error", doc)
		}
	}
}

func TestRecordingsPreviewCounts(t *testing.T) {
	ctx := context.Background()
	repo := NewRecordings(NewMemoryStore())
	_ = repo.Save(ctx, sampleRecording("p"))
	_ = repo.SaveCounters(ctx, types.ReplayCounters{"/api/users": 3})

	preview, err := repo.Preview(ctx, "p")
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if len(preview) != 2 {
		t.Fatalf("Preview() = %d entries; want 2 unique paths", len(preview))
	}
	if preview[0].PathAndQuery != "/api/users?page=1" || preview[0].ReplayCount != 3 {
		t.Fatalf("Preview()[0] = %+v; want /api/users?page=1 with 3", preview[0])
	}
	if preview[1].Method != "POST" || preview[1].ReplayCount != 0 {
		t.Fatalf("Preview()[1] = %+v; want POST with 0", preview[1])
	}
}

func TestRecordingsEditRecord(t *testing.T) {
	ctx := context.Background()
	repo := NewRecordings(NewMemoryStore())
	rec := sampleRecording("edit")
	_ = repo.Save(ctx, rec)
	key := rec.Records()[0].Key

	edited, err := repo.EditRecord(ctx, "edit", key, "responseBody", `{"ok":false}`)
	if err != nil {
		t.Fatalf("EditRecord() error = %v", err)
	}
	if edited.ResponseBody != `{"ok":false}` {
		t.Fatalf("EditRecord().ResponseBody = %q; want edited body", edited.ResponseBody)
	}

	if _, err := repo.EditRecord(ctx, "edit", key, "responseHeaders.x-test", "1"); err != nil {
		t.Fatalf("EditRecord(header) error = %v", err)
	}

	reloaded, _ := repo.Load(ctx, "edit")
	first := reloaded.Records()[0]
	if first.Key != key || first.Record.ResponseBody != `{"ok":false}` || first.Record.ResponseHeaders["x-test"] != "1" {
		t.Fatalf("reloaded first record = %+v; want edits kept in place", first.Record)
	}

	if _, err := repo.EditRecord(ctx, "edit", key, "method", nil); !types.HasCode(err, types.CodeValidation) {
		t.Fatalf("EditRecord(delete method) error = %v; want VALIDATION", err)
	}
	if _, err := repo.EditRecord(ctx, "edit", "nope", "status", 500); !types.HasCode(err, types.CodeRecordNotFound) {
		t.Fatalf("EditRecord(unknown key) error = %v; want RECORD_NOT_FOUND", err)
	}
}

func TestJournalWritesLines(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir, 10, 1)
	w := j.Writer("My Recording", "0123456789abcdef")
	if w != j.Writer("My Recording", "0123456789abcdef") {
		t.Fatal("Writer() returned a new writer for the same session")
	}
	for i := 0; i < 3; i++ {
		if err := w.Append(map[string]int{"n": i}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := j.Release("My Recording", "0123456789abcdef"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := w.Append(map[string]int{"n": 9}); err == nil {
		t.Fatal("Append() after close error = nil; want error")
	}

	date := time.Now().UTC().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, date, "My_Recording", "http", "01234567.jsonl"))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("journal has %d lines; want 3", len(lines))
	}
	var last map[string]int
	if err := json.Unmarshal([]byte(lines[2]), &last); err != nil || last["n"] != 2 {
		t.Fatalf("last line = %s (%v); want n=2", lines[2], err)
	}
}
