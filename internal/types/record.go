package types

import (
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// PendingRequest tracks an in-flight exchange between request-initiated and
// loading-finished. It is owned by the pending table while capturing.
type PendingRequest struct {
	ID             string
	URL            string
	Method         string
	RequestHeaders map[string]string
	RequestBody    *string
	Timestamp      time.Time

	ResponseHeaders map[string]string
	Status          *int
	StatusText      string

	ResponseBody   *string
	BodyFetchError string
}

// StoredRequestRecord is one finalized request/response pair inside a Recording.
// ResponseBodyBase64 marks a ResponseBody holding base64 of a body that was
// not valid UTF-8.
type StoredRequestRecord struct {
	URL                string            `json:"url"`
	Method             string            `json:"method"`
	RequestHeaders     map[string]string `json:"requestHeaders,omitempty"`
	RequestBody        *string           `json:"requestBody,omitempty"`
	RequestID          string            `json:"requestId,omitempty"`
	TimeStamp          int64             `json:"timeStamp"`
	ResponseHeaders    map[string]string `json:"responseHeaders,omitempty"`
	Status             int               `json:"status,omitempty"`
	StatusText         string            `json:"statusText,omitempty"`
	ResponseBody       string            `json:"responseBody"`
	ResponseBodyBase64 bool              `json:"responseBodyBase64,omitempty"`
	BodyFetchError     string            `json:"bodyFetchError,omitempty"`
}

// SetResponseBody stores body as text, or as base64 when it is not valid UTF-8.
func (r *StoredRequestRecord) SetResponseBody(body []byte) {
	if utf8.Valid(body) {
		r.ResponseBody = string(body)
		r.ResponseBodyBase64 = false
		return
	}
	r.ResponseBody = base64.StdEncoding.EncodeToString(body)
	r.ResponseBodyBase64 = true
}

// ResponseBytes returns the response body as captured.
func (r *StoredRequestRecord) ResponseBytes() []byte {
	if !r.ResponseBodyBase64 {
		return []byte(r.ResponseBody)
	}
	b, err := base64.StdEncoding.DecodeString(r.ResponseBody)
	if err != nil {
		return []byte(r.ResponseBody)
	}
	return b
}

// Metadata holds advisory counters for a Recording.
type Metadata struct {
	TotalRequests     int `json:"totalRequests"`
	ResponsesWithBody int `json:"responsesWithBody"`
}

// Recording is the unit of persistence produced by capture and consumed by replay.
// Order lists record keys in capture order; it is the tie-break for matching.
type Recording struct {
	Name      string                          `json:"name"`
	Filter    []string                        `json:"filter"`
	Requests  map[string]*StoredRequestRecord `json:"requests"`
	Order     []string                        `json:"order,omitempty"`
	Timestamp int64                           `json:"timestamp"`
	Metadata  Metadata                        `json:"metadata"`

	mu        sync.RWMutex
	lastStamp time.Time
}

// NewRecording returns an empty recording created now.
func NewRecording(name string, filter []string) *Recording {
	return &Recording{
		Name:      name,
		Filter:    append([]string(nil), filter...),
		Requests:  make(map[string]*StoredRequestRecord),
		Timestamp: time.Now().UnixMilli(),
	}
}

// UnmarshalJSON accepts both documents carrying an explicit order and older
// exports without one, whose order is rebuilt from record timestamps.
func (r *Recording) UnmarshalJSON(data []byte) error {
	type plain struct {
		Name      string                          `json:"name"`
		Filter    filterList                      `json:"filter"`
		Requests  map[string]*StoredRequestRecord `json:"requests"`
		Order     []string                        `json:"order"`
		Timestamp int64                           `json:"timestamp"`
		Metadata  Metadata                        `json:"metadata"`
	}
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	r.Name = p.Name
	r.Filter = []string(p.Filter)
	r.Requests = p.Requests
	if r.Requests == nil {
		r.Requests = make(map[string]*StoredRequestRecord)
	}
	r.Timestamp = p.Timestamp
	r.Metadata = p.Metadata
	r.Order = reconcileOrder(p.Order, r.Requests)
	return nil
}

// filterList decodes a filter stored either as a list or as a single string.
type filterList []string

func (f *filterList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*f = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	if single == "" {
		*f = nil
		return nil
	}
	*f = []string{single}
	return nil
}

func reconcileOrder(order []string, requests map[string]*StoredRequestRecord) []string {
	seen := make(map[string]bool, len(requests))
	out := make([]string, 0, len(requests))
	for _, k := range order {
		if _, ok := requests[k]; ok && !seen[k] {
			out = append(out, k)
			seen[k] = true
		}
	}
	var missing []string
	for k := range requests {
		if !seen[k] {
			missing = append(missing, k)
		}
	}
	sort.SliceStable(missing, func(i, j int) bool {
		a, b := requests[missing[i]], requests[missing[j]]
		if a.TimeStamp != b.TimeStamp {
			return a.TimeStamp < b.TimeStamp
		}
		return missing[i] < missing[j]
	})
	return append(out, missing...)
}

// Add finalizes a pending request into the recording and returns its record key.
// Finalization timestamps are strictly increasing within a recording, so two
// calls to the same endpoint never share a key.
func (r *Recording) Add(p *PendingRequest, path string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	stamp := time.Now().UTC()
	if !stamp.After(r.lastStamp) {
		stamp = r.lastStamp.Add(time.Nanosecond)
	}
	r.lastStamp = stamp

	key := RecordKey(p.Method, path, p.RequestBody, stamp)
	for {
		if _, exists := r.Requests[key]; !exists {
			break
		}
		stamp = stamp.Add(time.Nanosecond)
		r.lastStamp = stamp
		key = RecordKey(p.Method, path, p.RequestBody, stamp)
	}

	rec := &StoredRequestRecord{
		URL:             p.URL,
		Method:          p.Method,
		RequestHeaders:  p.RequestHeaders,
		RequestBody:     p.RequestBody,
		RequestID:       p.ID,
		TimeStamp:       p.Timestamp.UnixMilli(),
		ResponseHeaders: p.ResponseHeaders,
		StatusText:      p.StatusText,
		BodyFetchError:  p.BodyFetchError,
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.ResponseBody != nil {
		rec.SetResponseBody([]byte(*p.ResponseBody))
	}
	r.Requests[key] = rec
	r.Order = append(r.Order, key)
	return key
}

// Put stores a record under an explicit key, keeping its position when the
// key already exists.
func (r *Recording) Put(key string, rec *StoredRequestRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.Requests[key]; !exists {
		r.Order = append(r.Order, key)
	}
	r.Requests[key] = rec
}

// Get returns the record stored under key.
func (r *Recording) Get(key string) (*StoredRequestRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.Requests[key]
	return rec, ok
}

// Records returns the stored records in capture order.
func (r *Recording) Records() []KeyedRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]KeyedRecord, 0, len(r.Order))
	for _, k := range r.Order {
		if rec, ok := r.Requests[k]; ok {
			out = append(out, KeyedRecord{Key: k, Record: rec})
		}
	}
	return out
}

// Len returns the number of stored records.
func (r *Recording) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Requests)
}

// IncTotal bumps the advisory request counter.
func (r *Recording) IncTotal() {
	r.mu.Lock()
	r.Metadata.TotalRequests++
	r.mu.Unlock()
}

// IncWithBody bumps the advisory body counter.
func (r *Recording) IncWithBody() {
	r.mu.Lock()
	r.Metadata.ResponsesWithBody++
	r.mu.Unlock()
}

// RecomputeMetadata derives the counters from the stored records.
func (r *Recording) RecomputeMetadata() Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := Metadata{TotalRequests: len(r.Requests)}
	for _, rec := range r.Requests {
		if rec.ResponseBody != "" {
			m.ResponsesWithBody++
		}
	}
	r.Metadata = m
	return m
}

// Snapshot marshals the recording under its read lock.
func (r *Recording) Snapshot() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	type plain struct {
		Name      string                          `json:"name"`
		Filter    []string                        `json:"filter"`
		Requests  map[string]*StoredRequestRecord `json:"requests"`
		Order     []string                        `json:"order,omitempty"`
		Timestamp int64                           `json:"timestamp"`
		Metadata  Metadata                        `json:"metadata"`
	}
	return json.Marshal(plain{
		Name:      r.Name,
		Filter:    r.Filter,
		Requests:  r.Requests,
		Order:     r.Order,
		Timestamp: r.Timestamp,
		Metadata:  r.Metadata,
	})
}

// MarshalJSON delegates to Snapshot so the lock is honoured.
func (r *Recording) MarshalJSON() ([]byte, error) {
	return r.Snapshot()
}

// Validate checks the structural invariants of a stored recording.
func (r *Recording) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return NewError(CodeValidation, "recording name is required", nil)
	}
	for k, rec := range r.Requests {
		if k == "" {
			return NewError(CodeValidation, "recording contains an empty record key", nil)
		}
		if rec == nil || rec.URL == "" || rec.Method == "" {
			return NewError(CodeValidation, "record "+k+" is missing url or method", nil)
		}
	}
	return nil
}

// KeyedRecord pairs a record with its key.
type KeyedRecord struct {
	Key    string
	Record *StoredRequestRecord
}

// RecordKey derives the unique key of a finalized record.
// GET: GET_<path+query>_<stamp>; others: <METHOD>_<path+query>_<body>_<stamp>.
func RecordKey(method, pathAndQuery string, body *string, stamp time.Time) string {
	ts := FormatKeyStamp(stamp)
	if method == "GET" {
		return "GET_" + pathAndQuery + "_" + ts
	}
	serialized := ""
	if body != nil {
		if b, err := json.Marshal(*body); err == nil {
			serialized = string(b)
		}
	}
	return method + "_" + pathAndQuery + "_" + serialized + "_" + ts
}

// FormatKeyStamp renders an ISO timestamp with ':' and '.' replaced by '-'.
func FormatKeyStamp(t time.Time) string {
	s := t.UTC().Format("2006-01-02T15:04:05.000000000Z")
	return strings.NewReplacer(":", "-", ".", "-").Replace(s)
}

// ReplayCounters maps a path without query to its replay hit count.
type ReplayCounters map[string]int
