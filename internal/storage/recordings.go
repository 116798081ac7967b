package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dgnsrekt/netreplay/internal/types"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Sibling keys that share the store with recordings.
const (
	KeyLastUsedRecord   = "lastUsedRecord"
	KeyReplayedRequests = "replayedRequests"
)

var reservedKeys = map[string]bool{
	KeyLastUsedRecord:      true,
	KeyReplayedRequests:    true,
	"isRecording":          true,
	"isReplaying":          true,
	"currentRecordingName": true,
	"currentFilter":        true,
	"replayTabId":          true,
}

// IsReservedKey reports whether key is a sibling key rather than a recording name.
func IsReservedKey(key string) bool { return reservedKeys[key] }

// RecordingSummary is the listing view of a stored recording.
type RecordingSummary struct {
	Name              string   `json:"name"`
	Filter            []string `json:"filter"`
	Timestamp         int64    `json:"timestamp"`
	Requests          int      `json:"requests"`
	TotalRequests     int      `json:"total_requests"`
	ResponsesWithBody int      `json:"responses_with_body"`
}

// PreviewEntry is one unique request path of a recording with its replay count.
type PreviewEntry struct {
	Method       string `json:"method"`
	PathAndQuery string `json:"path"`
	ReplayCount  int    `json:"replay_count"`
}

// Recordings stores Recording documents under their name in a Store.
type Recordings struct {
	store Store
}

func NewRecordings(store Store) *Recordings {
	return &Recordings{store: store}
}

func storageErr(msg string, err error) error {
	return types.NewError(types.CodeStorage, msg, err)
}

// Save writes the recording under its name.
func (r *Recordings) Save(ctx context.Context, rec *types.Recording) error {
	if IsReservedKey(rec.Name) {
		return types.NewError(types.CodeValidation, fmt.Sprintf("recording name %q is reserved", rec.Name), nil)
	}
	data, err := rec.Snapshot()
	if err != nil {
		return storageErr("marshal recording", err)
	}
	if err := r.store.Set(ctx, map[string]json.RawMessage{rec.Name: data}); err != nil {
		return storageErr("save recording", err)
	}
	return nil
}

// Export returns the stored JSON document of a recording.
func (r *Recordings) Export(ctx context.Context, name string) (json.RawMessage, error) {
	if name == "" || IsReservedKey(name) {
		return nil, types.NewError(types.CodeRecordingNotFound, fmt.Sprintf("recording %q not found", name), nil)
	}
	got, err := r.store.Get(ctx, name)
	if err != nil {
		return nil, storageErr("load recording", err)
	}
	data, ok := got[name]
	if !ok {
		return nil, types.NewError(types.CodeRecordingNotFound, fmt.Sprintf("recording %q not found", name), nil)
	}
	return data, nil
}

// Load decodes the named recording.
func (r *Recordings) Load(ctx context.Context, name string) (*types.Recording, error) {
	data, err := r.Export(ctx, name)
	if err != nil {
		return nil, err
	}
	var rec types.Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, storageErr(fmt.Sprintf("decode recording %q", name), err)
	}
	if rec.Name == "" {
		rec.Name = name
	}
	return &rec, nil
}

// Delete removes the named recording and clears lastUsedRecord if it pointed at it.
func (r *Recordings) Delete(ctx context.Context, name string) error {
	if _, err := r.Export(ctx, name); err != nil {
		return err
	}
	if err := r.store.Remove(ctx, name); err != nil {
		return storageErr("delete recording", err)
	}
	if last, err := r.LastUsed(ctx); err == nil && last == name {
		if err := r.store.Remove(ctx, KeyLastUsedRecord); err != nil {
			slog.Warn("failed to clear last used recording", "recording", name, "error", err)
		}
	}
	return nil
}

// List summarizes every stored recording, newest first.
func (r *Recordings) List(ctx context.Context) ([]RecordingSummary, error) {
	all, err := r.store.Get(ctx)
	if err != nil {
		return nil, storageErr("list recordings", err)
	}
	out := make([]RecordingSummary, 0, len(all))
	for key, raw := range all {
		if IsReservedKey(key) {
			continue
		}
		requests := gjson.GetBytes(raw, "requests")
		if !requests.IsObject() {
			continue
		}
		fields := gjson.GetManyBytes(raw, "name", "timestamp", "metadata.totalRequests", "metadata.responsesWithBody", "filter")
		s := RecordingSummary{
			Name:              fields[0].String(),
			Timestamp:         fields[1].Int(),
			TotalRequests:     int(fields[2].Int()),
			ResponsesWithBody: int(fields[3].Int()),
			Filter:            filterFromResult(fields[4]),
		}
		if s.Name == "" {
			s.Name = key
		}
		requests.ForEach(func(_, _ gjson.Result) bool {
			s.Requests++
			return true
		})
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func filterFromResult(res gjson.Result) []string {
	if res.IsArray() {
		var out []string
		for _, v := range res.Array() {
			if s := v.String(); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s := res.String(); s != "" {
		return []string{s}
	}
	return nil
}

// Import stores an exported recording document under its own name and
// marks it as the last used recording.
func (r *Recordings) Import(ctx context.Context, data []byte) (*types.Recording, error) {
	var rec types.Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, types.NewError(types.CodeValidation, "invalid recording document", err)
	}
	rec.Name = strings.TrimSpace(rec.Name)
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := r.Save(ctx, &rec); err != nil {
		return nil, err
	}
	if err := r.SetLastUsed(ctx, rec.Name); err != nil {
		return nil, err
	}
	slog.Info("recording imported", "recording", rec.Name, "requests", rec.Len())
	return &rec, nil
}

// Preview lists the unique request paths of a recording in capture order,
// with replay counts keyed by path without query.
func (r *Recordings) Preview(ctx context.Context, name string) ([]PreviewEntry, error) {
	rec, err := r.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	counters, err := r.Counters(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []PreviewEntry
	for _, kr := range rec.Records() {
		parts, err := types.ParseURLParts(kr.Record.URL)
		if err != nil {
			continue
		}
		pq := parts.PathAndQuery()
		id := kr.Record.Method + " " + pq
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, PreviewEntry{
			Method:       kr.Record.Method,
			PathAndQuery: pq,
			ReplayCount:  counters[parts.Path],
		})
	}
	return out, nil
}

// EditRecord sets (or, with a nil value, deletes) a JSON path inside one
// stored record. The edited record must still carry url and method.
func (r *Recordings) EditRecord(ctx context.Context, name, key, path string, value any) (*types.StoredRequestRecord, error) {
	if strings.TrimSpace(path) == "" {
		return nil, types.NewError(types.CodeValidation, "path is required", nil)
	}
	rec, err := r.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	var current *types.StoredRequestRecord
	for _, kr := range rec.Records() {
		if kr.Key == key {
			current = kr.Record
			break
		}
	}
	if current == nil {
		return nil, types.NewError(types.CodeRecordNotFound, fmt.Sprintf("record %q not found in %q", key, name), nil)
	}

	doc, err := json.Marshal(current)
	if err != nil {
		return nil, storageErr("marshal record", err)
	}
	if value == nil {
		doc, err = sjson.DeleteBytes(doc, path)
	} else {
		doc, err = sjson.SetBytes(doc, path, value)
	}
	if err != nil {
		return nil, types.NewError(types.CodeValidation, fmt.Sprintf("invalid path %q", path), err)
	}

	var edited types.StoredRequestRecord
	if err := json.Unmarshal(doc, &edited); err != nil {
		return nil, types.NewError(types.CodeValidation, "edited record does not decode", err)
	}
	if edited.URL == "" || edited.Method == "" {
		return nil, types.NewError(types.CodeValidation, "edited record must keep url and method", nil)
	}

	rec.Put(key, &edited)
	if err := r.Save(ctx, rec); err != nil {
		return nil, err
	}
	slog.Info("record edited", "recording", name, "key", key, "path", path)
	return &edited, nil
}

// LastUsed returns the name stored under lastUsedRecord, or "".
func (r *Recordings) LastUsed(ctx context.Context) (string, error) {
	got, err := r.store.Get(ctx, KeyLastUsedRecord)
	if err != nil {
		return "", storageErr("load last used recording", err)
	}
	raw, ok := got[KeyLastUsedRecord]
	if !ok {
		return "", nil
	}
	return gjson.ParseBytes(raw).String(), nil
}

func (r *Recordings) SetLastUsed(ctx context.Context, name string) error {
	data, err := json.Marshal(name)
	if err != nil {
		return storageErr("marshal last used recording", err)
	}
	if err := r.store.Set(ctx, map[string]json.RawMessage{KeyLastUsedRecord: data}); err != nil {
		return storageErr("save last used recording", err)
	}
	return nil
}

// Counters loads the persisted replay counters.
func (r *Recordings) Counters(ctx context.Context) (types.ReplayCounters, error) {
	got, err := r.store.Get(ctx, KeyReplayedRequests)
	if err != nil {
		return nil, storageErr("load replay counters", err)
	}
	counters := types.ReplayCounters{}
	raw, ok := got[KeyReplayedRequests]
	if !ok {
		return counters, nil
	}
	if err := json.Unmarshal(raw, &counters); err != nil {
		return nil, storageErr("decode replay counters", err)
	}
	return counters, nil
}

// SaveCounters persists the replay counters.
func (r *Recordings) SaveCounters(ctx context.Context, counters types.ReplayCounters) error {
	if counters == nil {
		counters = types.ReplayCounters{}
	}
	data, err := json.Marshal(counters)
	if err != nil {
		return storageErr("marshal replay counters", err)
	}
	if err := r.store.Set(ctx, map[string]json.RawMessage{KeyReplayedRequests: data}); err != nil {
		return storageErr("save replay counters", err)
	}
	return nil
}
