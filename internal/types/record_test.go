package types

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRecordKey(t *testing.T) {
	stamp := time.Date(2024, 3, 1, 10, 20, 30, 123456789, time.UTC)

	t.Run("get_omits_body", func(t *testing.T) {
		got := RecordKey("GET", "/api/users?x=1", nil, stamp)
		want := "GET_/api/users?x=1_2024-03-01T10-20-30-123456789Z"
		if got != want {
			t.Fatalf("RecordKey() = %q; want %q", got, want)
		}
	})

	t.Run("post_serializes_body", func(t *testing.T) {
		body := `{"a":1}`
		got := RecordKey("POST", "/api/items", &body, stamp)
		want := `POST_/api/items_"{\"a\":1}"_2024-03-01T10-20-30-123456789Z`
		if got != want {
			t.Fatalf("RecordKey() = %q; want %q", got, want)
		}
	})

	t.Run("post_without_body_is_empty", func(t *testing.T) {
		got := RecordKey("DELETE", "/api/items/1", nil, stamp)
		if !strings.HasPrefix(got, "DELETE_/api/items/1__") {
			t.Fatalf("RecordKey() = %q; want empty body segment", got)
		}
	})
}

func TestRecordingAddKeysAreUnique(t *testing.T) {
	rec := NewRecording("r", []string{"/api"})
	status := 200
	body := "x"
	for i := 0; i < 50; i++ {
		rec.Add(&PendingRequest{
			ID:           "id",
			URL:          "https://example.com/api/users",
			Method:       "GET",
			Timestamp:    time.Now(),
			Status:       &status,
			ResponseBody: &body,
		}, "/api/users")
	}
	if rec.Len() != 50 {
		t.Fatalf("Len() = %d; want 50", rec.Len())
	}
	if len(rec.Order) != 50 {
		t.Fatalf("len(Order) = %d; want 50", len(rec.Order))
	}
	seen := map[string]bool{}
	for _, k := range rec.Order {
		if seen[k] {
			t.Fatalf("duplicate key %q", k)
		}
		seen[k] = true
	}
}

func TestRecomputeMetadata(t *testing.T) {
	rec := NewRecording("r", nil)
	body := "{}"
	rec.Add(&PendingRequest{URL: "https://h/api/a", Method: "GET", ResponseBody: &body}, "/api/a")
	rec.Add(&PendingRequest{URL: "https://h/api/b", Method: "GET", BodyFetchError: "boom"}, "/api/b")

	m := rec.RecomputeMetadata()
	if m.TotalRequests != 2 || m.ResponsesWithBody != 1 {
		t.Fatalf("RecomputeMetadata() = %+v; want {2 1}", m)
	}
}

func TestRecordingJSONRoundTripKeepsOrder(t *testing.T) {
	rec := NewRecording("r", []string{"/api"})
	rec.Add(&PendingRequest{URL: "https://h/api/z", Method: "GET"}, "/api/z")
	rec.Add(&PendingRequest{URL: "https://h/api/a", Method: "GET"}, "/api/a")

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}
	var back Recording
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	records := back.Records()
	if len(records) != 2 || records[0].Record.URL != "https://h/api/z" {
		t.Fatalf("Records() order lost: %+v", records)
	}
}

func TestRecordingUnmarshalLegacyDocument(t *testing.T) {
	doc := `{
		"name": "legacy",
		"filter": "/api",
		"timestamp": 1,
		"requests": {
			"GET_/api/b_2": {"url": "https://h/api/b", "method": "GET", "timeStamp": 20},
			"GET_/api/a_1": {"url": "https://h/api/a", "method": "GET", "timeStamp": 10}
		}
	}`
	var rec Recording
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if len(rec.Filter) != 1 || rec.Filter[0] != "/api" {
		t.Fatalf("Filter = %v; want [/api]", rec.Filter)
	}
	if len(rec.Order) != 2 || rec.Order[0] != "GET_/api/a_1" {
		t.Fatalf("Order = %v; want timestamp order", rec.Order)
	}
	if err := rec.Validate(); err != nil {
		t.Fatalf("Validate() = %v; want nil", err)
	}
}

func TestValidateRejectsRecordWithoutMethod(t *testing.T) {
	rec := NewRecording("r", nil)
	rec.Put("k", &StoredRequestRecord{URL: "https://h/x"})
	if err := rec.Validate(); !HasCode(err, CodeValidation) {
		t.Fatalf("Validate() = %v; want %s", err, CodeValidation)
	}
}

func TestParseURLParts(t *testing.T) {
	p, err := ParseURLParts("https://example.com/api/users?x=1&y=2")
	if err != nil {
		t.Fatal(err)
	}
	if p.Path != "/api/users" || p.RawQuery != "x=1&y=2" {
		t.Fatalf("ParseURLParts() = %+v", p)
	}
	if p.PathAndQuery() != "/api/users?x=1&y=2" {
		t.Fatalf("PathAndQuery() = %q", p.PathAndQuery())
	}
}

func TestResponseBodySurvivesJSON(t *testing.T) {
	cases := map[string][]byte{
		"text":   []byte(`{"ok":true}`),
		"binary": {0x89, 'P', 'N', 'G', 0xff, 0xfe, 0x00, 0x80},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var rec StoredRequestRecord
			rec.SetResponseBody(body)
			data, err := json.Marshal(&rec)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			var back StoredRequestRecord
			if err := json.Unmarshal(data, &back); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got := back.ResponseBytes(); !bytes.Equal(got, body) {
				t.Fatalf("ResponseBytes() = %x; want %x", got, body)
			}
			if back.ResponseBodyBase64 != (name == "binary") {
				t.Fatalf("ResponseBodyBase64 = %v for %s body", back.ResponseBodyBase64, name)
			}
		})
	}
}
