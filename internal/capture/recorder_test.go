package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/dgnsrekt/netreplay/internal/channel"
	"github.com/dgnsrekt/netreplay/internal/channel/channeltest"
	"github.com/dgnsrekt/netreplay/internal/session"
	"github.com/dgnsrekt/netreplay/internal/storage"
	"github.com/dgnsrekt/netreplay/internal/types"
)

type recorderFixture struct {
	fake  *channeltest.Fake
	sess  *session.Session
	repo  *storage.Recordings
	store *storage.MemoryStore
	rec   *Recorder
}

func newRecorderFixture(t *testing.T) *recorderFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	f := &recorderFixture{
		fake:  channeltest.NewFake(),
		sess:  session.New(),
		store: store,
		repo:  storage.NewRecordings(store),
	}
	f.rec = NewRecorder(f.fake, f.sess, f.repo, Options{})
	return f
}

func (f *recorderFixture) request(id, url string) {
	f.fake.Emit(channel.EventRequestInitiated, &channel.RequestInitiated{
		RequestID: id,
		URL:       url,
		Method:    "GET",
		Headers:   map[string]string{"Accept": "application/json"},
	})
	f.fake.Emit(channel.EventResponseHeadersReceived, &channel.ResponseHeadersReceived{
		RequestID:  id,
		Status:     200,
		StatusText: "OK",
		Headers:    map[string]string{"Content-Type": "application/json"},
	})
}

func (f *recorderFixture) pauseAndFinish(t *testing.T, id string) {
	t.Helper()
	interception := "interception-" + id
	f.fake.Emit(channel.EventBodyAvailable, &channel.BodyAvailable{InterceptionID: interception, RequestID: id, Status: 200})
	if !f.fake.WaitContinued(interception, 2*time.Second) {
		t.Fatalf("paused response %s was never resumed", interception)
	}
	f.fake.Emit(channel.EventLoadingFinished, &channel.LoadingFinished{RequestID: id})
}

func TestRecorderEndToEnd(t *testing.T) {
	f := newRecorderFixture(t)
	f.fake.Bodies["1"] = channel.Body{Body: "eyJvayI6dHJ1ZX0=", Base64Encoded: true}
	f.fake.Bodies["2"] = channel.Body{Body: "PNG"}
	ctx := context.Background()

	if _, err := f.rec.Start(ctx, "e2e", []string{"/api"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if st := f.sess.State(); st.Mode != session.ModeRecording || st.Phase != session.PhaseRecording {
		t.Fatalf("session = %s/%s; want recording/recording", st.Mode, st.Phase)
	}
	if f.fake.Calls("Reload") != 1 {
		t.Fatalf("Reload calls = %d; want 1", f.fake.Calls("Reload"))
	}
	patterns := f.fake.Patterns()
	if len(patterns) != 1 || patterns[0][0].Stage != channel.StageResponse {
		t.Fatalf("interception patterns = %+v; want one response-stage pattern", patterns)
	}

	f.request("1", "https://app.test/api/users")
	f.request("2", "https://app.test/assets/logo.png")
	f.pauseAndFinish(t, "1")
	f.pauseAndFinish(t, "2")

	got, err := f.rec.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got.Len() != 1 {
		t.Fatalf("Stop() recording has %d records; want 1", got.Len())
	}

	stored, err := f.repo.Load(ctx, "e2e")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	records := stored.Records()
	if len(records) != 1 {
		t.Fatalf("stored records = %d; want 1", len(records))
	}
	r := records[0].Record
	if r.URL != "https://app.test/api/users" || r.Status != 200 || r.ResponseBody != `{"ok":true}` {
		t.Fatalf("stored record = %+v; want /api/users 200 {\"ok\":true}", r)
	}
	if stored.Metadata.TotalRequests != 1 || stored.Metadata.ResponsesWithBody != 1 {
		t.Fatalf("metadata = %+v; want 1/1", stored.Metadata)
	}
	if n := len(f.fake.ContinuedFor("interception-2")); n != 1 {
		t.Fatalf("filtered-out response resumed %d times; want 1", n)
	}
	if last, _ := f.repo.LastUsed(ctx); last != "e2e" {
		t.Fatalf("LastUsed() = %q; want e2e", last)
	}
	if f.fake.Calls("Detach") != 1 || f.fake.Listeners() != 0 {
		t.Fatalf("Detach calls = %d, listeners = %d; want 1, 0", f.fake.Calls("Detach"), f.fake.Listeners())
	}
	if st := f.sess.State(); st.Mode != session.ModeIdle {
		t.Fatalf("session mode after stop = %s; want idle", st.Mode)
	}
}

func TestRecorderBodyFetchPartialFailure(t *testing.T) {
	f := newRecorderFixture(t)
	f.fake.Bodies["a"] = channel.Body{Body: "A"}
	f.fake.BodyErrs["b"] = errors.New("body evicted")
	f.fake.Bodies["c"] = channel.Body{Body: "C"}
	ctx := context.Background()

	if _, err := f.rec.Start(ctx, "partial", nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		f.request(id, "https://app.test/api/"+id)
	}
	for _, id := range []string{"a", "b", "c"} {
		f.pauseAndFinish(t, id)
	}
	if _, err := f.rec.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	stored, _ := f.repo.Load(ctx, "partial")
	if stored.Len() != 3 {
		t.Fatalf("stored records = %d; want 3", stored.Len())
	}
	if stored.Metadata.ResponsesWithBody != 2 {
		t.Fatalf("ResponsesWithBody = %d; want 2", stored.Metadata.ResponsesWithBody)
	}
	var failed int
	for _, kr := range stored.Records() {
		if kr.Record.BodyFetchError != "" {
			failed++
			if kr.Record.ResponseBody != "" || kr.Record.URL != "https://app.test/api/b" {
				t.Fatalf("failed record = %+v; want /api/b with empty body", kr.Record)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("records with fetch error = %d; want 1", failed)
	}
	if n := len(f.fake.ContinuedFor("interception-b")); n != 1 {
		t.Fatalf("failed fetch resumed %d times; want 1", n)
	}
}

func TestRecorderForceCompletesPendingOnStop(t *testing.T) {
	f := newRecorderFixture(t)
	f.fake.Bodies["slow"] = channel.Body{Body: "late"}
	f.fake.PostData["slow"] = `{"q":1}`
	ctx := context.Background()

	if _, err := f.rec.Start(ctx, "pending", []string{"/api"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.fake.Emit(channel.EventRequestInitiated, &channel.RequestInitiated{
		RequestID:   "slow",
		URL:         "https://app.test/api/search",
		Method:      "POST",
		HasPostData: true,
	})
	f.fake.Emit(channel.EventRequestInitiated, &channel.RequestInitiated{
		RequestID: "never",
		URL:       "https://app.test/api/stuck",
		Method:    "GET",
	})

	got, err := f.rec.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("records after force-complete = %d; want 2", got.Len())
	}
	for _, kr := range got.Records() {
		switch kr.Record.RequestID {
		case "slow":
			if kr.Record.ResponseBody != "late" || kr.Record.RequestBody == nil || *kr.Record.RequestBody != `{"q":1}` {
				t.Fatalf("slow record = %+v; want body late and request body", kr.Record)
			}
		case "never":
			if kr.Record.BodyFetchError == "" {
				t.Fatalf("never record = %+v; want fetch error marker", kr.Record)
			}
		}
	}
	if got.Metadata.TotalRequests != 2 || got.Metadata.ResponsesWithBody != 1 {
		t.Fatalf("metadata = %+v; want 2/1", got.Metadata)
	}
}

func TestRecorderLoadingFailedDropsRequest(t *testing.T) {
	f := newRecorderFixture(t)
	ctx := context.Background()
	if _, err := f.rec.Start(ctx, "failed", nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.request("x", "https://app.test/api/x")
	f.fake.Emit(channel.EventLoadingFailed, &channel.LoadingFailed{RequestID: "x", ErrorText: "net::ERR_FAILED"})
	f.fake.Emit(channel.EventLoadingFinished, &channel.LoadingFinished{RequestID: "x"})

	got, err := f.rec.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got.Len() != 0 {
		t.Fatalf("records = %d; want 0", got.Len())
	}
}

func TestRecorderRedirectDoesNotRecount(t *testing.T) {
	f := newRecorderFixture(t)
	f.fake.Bodies["r"] = channel.Body{Body: "final"}
	ctx := context.Background()
	if _, err := f.rec.Start(ctx, "redirect", nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.fake.Emit(channel.EventRequestInitiated, &channel.RequestInitiated{RequestID: "r", URL: "https://app.test/api/old", Method: "GET"})
	f.fake.Emit(channel.EventRequestInitiated, &channel.RequestInitiated{RequestID: "r", URL: "https://app.test/api/new", Method: "GET", Redirect: true})
	f.pauseAndFinish(t, "r")

	got, _ := f.rec.Stop(ctx)
	records := got.Records()
	if len(records) != 1 || records[0].Record.URL != "https://app.test/api/new" {
		t.Fatalf("records = %+v; want the redirected url only", records)
	}
}

func TestRecorderIgnoresForeignDebuggee(t *testing.T) {
	f := newRecorderFixture(t)
	ctx := context.Background()
	if _, err := f.rec.Start(ctx, "foreign", nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.fake.EmitFor("someone-else", channel.EventRequestInitiated, &channel.RequestInitiated{RequestID: "z", URL: "https://app.test/api/z", Method: "GET"})
	f.fake.EmitFor("someone-else", channel.EventLoadingFinished, &channel.LoadingFinished{RequestID: "z"})
	got, _ := f.rec.Stop(ctx)
	if got.Len() != 0 {
		t.Fatalf("records = %d; want 0", got.Len())
	}
}

func TestRecorderStopWhenIdleIsRejected(t *testing.T) {
	f := newRecorderFixture(t)
	_, err := f.rec.Stop(context.Background())
	if !types.HasCode(err, types.CodeInvalidState) {
		t.Fatalf("Stop() error = %v; want INVALID_STATE", err)
	}
	all, _ := f.store.Get(context.Background())
	if len(all) != 0 {
		t.Fatalf("store has %d keys after rejected stop; want 0", len(all))
	}
}

func TestRecorderAttachFailureLeavesIdle(t *testing.T) {
	f := newRecorderFixture(t)
	f.fake.AttachErr = errors.New("target closed")

	_, err := f.rec.Start(context.Background(), "nope", nil)
	if !types.HasCode(err, types.CodeAttachment) {
		t.Fatalf("Start() error = %v; want ATTACHMENT_ERROR", err)
	}
	if st := f.sess.State(); st.Mode != session.ModeIdle {
		t.Fatalf("session mode = %s; want idle", st.Mode)
	}
	all, _ := f.store.Get(context.Background())
	if len(all) != 0 {
		t.Fatalf("store has %d keys after failed start; want 0", len(all))
	}
}

func TestRecorderEnableFailureDetaches(t *testing.T) {
	f := newRecorderFixture(t)
	f.fake.EnableInterceptionErr = errors.New("Fetch domain unavailable")

	_, err := f.rec.Start(context.Background(), "nope", nil)
	if !types.HasCode(err, types.CodeAttachment) {
		t.Fatalf("Start() error = %v; want ATTACHMENT_ERROR", err)
	}
	if f.fake.Calls("Detach") != 1 || f.fake.Listeners() != 0 {
		t.Fatalf("Detach calls = %d, listeners = %d; want 1, 0", f.fake.Calls("Detach"), f.fake.Listeners())
	}
	if st := f.sess.State(); st.Mode != session.ModeIdle {
		t.Fatalf("session mode = %s; want idle", st.Mode)
	}
}

func TestRecorderStartWhileReplayingIsRejected(t *testing.T) {
	f := newRecorderFixture(t)
	if _, err := f.sess.Begin(session.ModeReplaying, "other", nil); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	_, err := f.rec.Start(context.Background(), "x", nil)
	if !types.HasCode(err, types.CodeInvalidState) {
		t.Fatalf("Start() error = %v; want INVALID_STATE", err)
	}
	if f.fake.Calls("Attach") != 0 {
		t.Fatal("Start() attached while another mode was active")
	}
}

func TestRecorderDetachFailureIsNotFatal(t *testing.T) {
	f := newRecorderFixture(t)
	f.fake.DetachErr = errors.New("already detached")
	ctx := context.Background()
	if _, err := f.rec.Start(ctx, "detach", nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := f.rec.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v; want nil despite detach failure", err)
	}
}

func TestFilters(t *testing.T) {
	got := NormalizeFilters([]string{"  ", " /v2 ", ""}, DefaultFilters)
	if len(got) != 1 || got[0] != "/v2" {
		t.Fatalf("NormalizeFilters() = %v; want [/v2]", got)
	}
	got = NormalizeFilters(nil, DefaultFilters)
	if len(got) != 1 || got[0] != "/api" {
		t.Fatalf("NormalizeFilters(nil) = %v; want [/api]", got)
	}
	if !MatchesFilter("/v1/api/users", []string{"/graphql", "/api"}) {
		t.Fatal("MatchesFilter() = false; want any-of match")
	}
	if MatchesFilter("/assets/app.js", []string{"/api"}) {
		t.Fatal("MatchesFilter(/assets/app.js) = true; want false")
	}
}

func TestPendingTableCleanupStale(t *testing.T) {
	table := NewPendingTable()
	table.Insert(&types.PendingRequest{ID: "old", Timestamp: time.Now().Add(-10 * time.Minute)})
	table.Insert(&types.PendingRequest{ID: "new", Timestamp: time.Now()})
	if n := table.CleanupStale(time.Now().Add(-5 * time.Minute)); n != 1 {
		t.Fatalf("CleanupStale() = %d; want 1", n)
	}
	if table.Has("old") || !table.Has("new") {
		t.Fatal("CleanupStale() removed the wrong entry")
	}
	if _, ok := table.Take("new"); !ok {
		t.Fatal("Take(new) ok = false")
	}
	if _, ok := table.Take("new"); ok {
		t.Fatal("Take(new) twice ok = true; want single finalization")
	}
}

func TestRecorderKeepsBinaryBodies(t *testing.T) {
	f := newRecorderFixture(t)
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0xff, 0xfe, 0x00, 0x80}
	f.fake.Bodies["1"] = channel.Body{Body: base64.StdEncoding.EncodeToString(png), Base64Encoded: true}
	ctx := context.Background()

	if _, err := f.rec.Start(ctx, "binary", []string{"/api"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.request("1", "https://app.test/api/avatar.png")
	f.pauseAndFinish(t, "1")
	if _, err := f.rec.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	stored, err := f.repo.Load(ctx, "binary")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	records := stored.Records()
	if len(records) != 1 {
		t.Fatalf("stored records = %d; want 1", len(records))
	}
	r := records[0].Record
	if !r.ResponseBodyBase64 {
		t.Fatalf("ResponseBodyBase64 = false; want true for non-UTF-8 body")
	}
	if got := r.ResponseBytes(); !bytes.Equal(got, png) {
		t.Fatalf("ResponseBytes() = %x; want %x", got, png)
	}
	if stored.Metadata.ResponsesWithBody != 1 {
		t.Fatalf("metadata = %+v; want one response with body", stored.Metadata)
	}
}

func TestRecorderEmptyBodyIsNotCounted(t *testing.T) {
	f := newRecorderFixture(t)
	f.fake.Bodies["1"] = channel.Body{Body: ""}
	ctx := context.Background()

	rec, err := f.rec.Start(ctx, "empty", []string{"/api"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.request("1", "https://app.test/api/ping")
	f.pauseAndFinish(t, "1")
	if rec.Len() != 1 {
		t.Fatalf("records after loading finished = %d; want 1", rec.Len())
	}
	live, err := f.repo.Load(ctx, "empty")
	if err != nil {
		t.Fatalf("Load() during capture error = %v", err)
	}
	if live.Metadata.ResponsesWithBody != 0 {
		t.Fatalf("write-through metadata = %+v; want no responses with body", live.Metadata)
	}

	final, err := f.rec.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if final.Metadata.ResponsesWithBody != 0 || final.Metadata.TotalRequests != 1 {
		t.Fatalf("final metadata = %+v; want 1 request, 0 with body", final.Metadata)
	}
}

func TestRecorderAbortsWhenSessionResetDuringStart(t *testing.T) {
	f := newRecorderFixture(t)
	f.fake.OnReload = f.sess.Reset

	_, err := f.rec.Start(context.Background(), "raced", nil)
	if !types.HasCode(err, types.CodeInvalidState) {
		t.Fatalf("Start() error = %v; want INVALID_STATE", err)
	}
	if f.fake.Calls("Detach") != 1 || f.fake.Listeners() != 0 {
		t.Fatalf("Detach calls = %d, listeners = %d; want 1, 0", f.fake.Calls("Detach"), f.fake.Listeners())
	}
	if f.rec.Active() != nil {
		t.Fatal("Active() != nil after aborted start")
	}
	if st := f.sess.State(); st.Mode != session.ModeIdle {
		t.Fatalf("session mode = %s; want idle", st.Mode)
	}
}
