// Package capture turns the network event stream of an attached page into a
// Recording: requests are tracked in a PendingTable from initiation until
// they finish, their response bodies are read while the response is paused,
// and every finished request is written through to storage.
package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/netreplay/internal/channel"
	"github.com/dgnsrekt/netreplay/internal/feed"
	"github.com/dgnsrekt/netreplay/internal/session"
	"github.com/dgnsrekt/netreplay/internal/storage"
	"github.com/dgnsrekt/netreplay/internal/types"
)

// Options tunes a Recorder. Zero values take defaults.
type Options struct {
	DefaultFilters      []string
	StaleAfter          time.Duration
	CleanupInterval     time.Duration
	Journal             *storage.Journal
	JournalMaxBodyBytes int
	// Feed receives a Recorded event per finalized request.
	Feed *feed.Broker
}

// Recorded is published on the recorded feed.
type Recorded struct {
	Recording string `json:"recording"`
	Key       string `json:"key"`
	Method    string `json:"method"`
	URL       string `json:"url"`
	Status    int    `json:"status,omitempty"`
	HasBody   bool   `json:"has_body"`
}

// Recorder runs capture sessions.
type Recorder struct {
	ch         channel.EventChannel
	sess       *session.Session
	recordings *storage.Recordings
	opts       Options

	mu  sync.Mutex
	run *captureRun
}

type captureRun struct {
	id      string
	handle  channel.Handle
	rec     *types.Recording
	filters []string
	table   *PendingTable

	unsubscribe func()
	journal     *storage.JournalWriter
	stopCleanup chan struct{}

	// ctx bounds background fetches; cancelled after stop.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup

	saveMu sync.Mutex
}

func NewRecorder(ch channel.EventChannel, sess *session.Session, recordings *storage.Recordings, opts Options) *Recorder {
	if len(opts.DefaultFilters) == 0 {
		opts.DefaultFilters = DefaultFilters
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	return &Recorder{ch: ch, sess: sess, recordings: recordings, opts: opts}
}

// Start attaches to the active page, enables capture and reloads the page.
// Attach and enable failures return an ATTACHMENT_ERROR and leave the
// session idle.
func (r *Recorder) Start(ctx context.Context, name string, filters []string) (*types.Recording, error) {
	filters = NormalizeFilters(filters, r.opts.DefaultFilters)
	sessionID, err := r.sess.Begin(session.ModeRecording, name, filters)
	if err != nil {
		return nil, err
	}

	tgt, err := r.ch.ActiveTarget(ctx)
	if err != nil {
		r.sess.Reset()
		return nil, attachErr("select debuggee", err)
	}
	h, err := r.ch.Attach(ctx, tgt)
	if err != nil {
		r.sess.Reset()
		return nil, attachErr("attach", err)
	}
	r.sess.Bind(h)

	runCtx, cancel := context.WithCancel(context.Background())
	run := &captureRun{
		id:          sessionID,
		handle:      h,
		rec:         types.NewRecording(name, filters),
		filters:     filters,
		table:       NewPendingTable(),
		stopCleanup: make(chan struct{}),
		ctx:         runCtx,
		cancel:      cancel,
	}
	r.mu.Lock()
	r.run = run
	r.mu.Unlock()
	run.unsubscribe = r.ch.Subscribe(h, func(ev channel.Event) { r.handleEvent(run, ev) })

	if err := r.enable(ctx, h); err != nil {
		r.abort(run)
		return nil, err
	}
	if err := r.sess.Advance(session.PhaseAttaching, session.PhaseCaptureEnabled); err != nil {
		r.abort(run)
		return nil, err
	}

	if r.opts.Journal != nil {
		run.journal = r.opts.Journal.Writer(name, sessionID)
	}
	r.persist(run)

	go r.cleanupLoop(run)

	if err := r.ch.Reload(ctx, h); err != nil {
		slog.Warn("capture reload failed", "recording", name, "error", err)
	}
	if err := r.sess.Advance(session.PhaseCaptureEnabled, session.PhaseRecording); err != nil {
		r.abort(run)
		return nil, err
	}

	slog.Info("capture started", "recording", name, "filters", filters, "session_id", sessionID, "target_id", h.TargetID)
	return run.rec, nil
}

// abort unwinds a start that failed after attaching and returns the session
// to idle.
func (r *Recorder) abort(run *captureRun) {
	run.unsubscribe()
	close(run.stopCleanup)
	run.mu.Lock()
	run.closing = true
	run.mu.Unlock()
	run.inflight.Wait()
	run.cancel()
	if err := r.ch.Detach(context.Background(), run.handle); err != nil {
		slog.Warn("detach after failed capture start", "error", err)
	}
	if run.journal != nil {
		if err := r.opts.Journal.Release(run.rec.Name, run.id); err != nil {
			slog.Warn("journal close failed", "recording", run.rec.Name, "error", err)
		}
	}
	r.mu.Lock()
	r.run = nil
	r.mu.Unlock()
	r.sess.Reset()
}

func (r *Recorder) enable(ctx context.Context, h channel.Handle) error {
	if err := r.ch.EnableNetworkEvents(ctx, h); err != nil {
		return attachErr("enable network events", err)
	}
	patterns := []channel.Pattern{{URLPattern: "*", Stage: channel.StageResponse}}
	if err := r.ch.EnableInterception(ctx, h, patterns); err != nil {
		return attachErr("enable interception", err)
	}
	return nil
}

func attachErr(step string, err error) error {
	if types.HasCode(err, types.CodeAttachment) {
		return err
	}
	return types.NewError(types.CodeAttachment, step+" failed", err)
}

// Stop force-completes outstanding requests, detaches and persists the
// final recording. It is rejected unless a capture is recording.
func (r *Recorder) Stop(ctx context.Context) (*types.Recording, error) {
	if _, err := r.sess.Claim(session.ModeRecording, session.PhaseRecording, session.PhaseFinalizing); err != nil {
		return nil, err
	}
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()
	if run == nil {
		r.sess.Reset()
		return nil, types.NewError(types.CodeInvalidState, "no capture in progress", nil)
	}

	close(run.stopCleanup)
	run.mu.Lock()
	run.closing = true
	run.mu.Unlock()
	run.inflight.Wait()

	r.forceComplete(ctx, run)

	if err := r.ch.DisableInterception(ctx, run.handle); err != nil {
		slog.Warn("disable interception failed", "recording", run.rec.Name, "error", err)
	}
	run.unsubscribe()
	if err := r.ch.Detach(ctx, run.handle); err != nil {
		slog.Warn("detach failed", "recording", run.rec.Name, "error", err)
	}
	run.cancel()

	meta := run.rec.RecomputeMetadata()
	var saveErr error
	if err := r.save(ctx, run); err != nil {
		saveErr = err
	} else if err := r.recordings.SetLastUsed(ctx, run.rec.Name); err != nil {
		slog.Warn("set last used recording failed", "recording", run.rec.Name, "error", err)
	}
	if r.opts.Journal != nil {
		if err := r.opts.Journal.Release(run.rec.Name, run.id); err != nil {
			slog.Warn("journal close failed", "recording", run.rec.Name, "error", err)
		}
	}

	r.mu.Lock()
	r.run = nil
	r.mu.Unlock()
	r.sess.Reset()

	slog.Info("capture stopped",
		"recording", run.rec.Name,
		"total_requests", meta.TotalRequests,
		"responses_with_body", meta.ResponsesWithBody)
	return run.rec, saveErr
}

// forceComplete finalizes every request still pending. Body fetches run in
// parallel and are awaited together.
func (r *Recorder) forceComplete(ctx context.Context, run *captureRun) {
	leftovers := run.table.DrainAll()
	if len(leftovers) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, p := range leftovers {
		if p.ResponseBody != nil || p.BodyFetchError != "" {
			continue
		}
		wg.Add(1)
		go func(p *types.PendingRequest) {
			defer wg.Done()
			body, err := r.fetchBody(ctx, run.handle, channel.BodyRequest{RequestID: p.ID})
			if err != nil {
				empty := ""
				p.ResponseBody = &empty
				p.BodyFetchError = err.Error()
				slog.Debug("force-complete body fetch failed", "request_id", p.ID, "error", err)
				return
			}
			p.ResponseBody = &body
		}(p)
	}
	wg.Wait()

	for _, p := range leftovers {
		r.finalize(run, p, false)
	}
	r.persist(run)
	slog.Info("force-completed pending requests", "recording", run.rec.Name, "count", len(leftovers))
}

// track runs fn in a goroutine counted by the run, or synchronously once the
// run is closing so that Stop never waits on work started after it.
func (run *captureRun) track(fn func()) {
	run.mu.Lock()
	if run.closing {
		run.mu.Unlock()
		fn()
		return
	}
	run.inflight.Add(1)
	run.mu.Unlock()
	go func() {
		defer run.inflight.Done()
		fn()
	}()
}

func (r *Recorder) handleEvent(run *captureRun, ev channel.Event) {
	accepted := r.sess.Accepts(ev.DebuggeeID, session.PhaseCaptureEnabled, session.PhaseRecording)

	switch p := ev.Params.(type) {
	case *channel.BodyAvailable:
		if !accepted {
			r.release(run, p.InterceptionID)
			return
		}
		run.track(func() { r.onBodyAvailable(run, p) })

	case *channel.RequestIntercepted:
		// Request-stage pauses are not requested while capturing; never leave one hanging.
		r.release(run, p.InterceptionID)

	case *channel.RequestInitiated:
		if accepted {
			r.onRequestInitiated(run, p)
		}

	case *channel.ResponseHeadersReceived:
		if accepted {
			run.table.Update(p.RequestID, func(pr *types.PendingRequest) {
				status := p.Status
				pr.Status = &status
				pr.StatusText = p.StatusText
				pr.ResponseHeaders = p.Headers
			})
		}

	case *channel.LoadingFinished:
		if !accepted {
			return
		}
		pr, ok := run.table.Take(p.RequestID)
		if !ok {
			return
		}
		if pr.ResponseBody == nil && pr.BodyFetchError == "" {
			run.track(func() {
				body, err := r.fetchBody(run.ctx, run.handle, channel.BodyRequest{RequestID: pr.ID})
				if err != nil {
					empty := ""
					pr.ResponseBody = &empty
					pr.BodyFetchError = err.Error()
				} else {
					pr.ResponseBody = &body
					if body != "" {
						run.rec.IncWithBody()
					}
				}
				r.finalize(run, pr, true)
			})
			return
		}
		r.finalize(run, pr, true)

	case *channel.LoadingFailed:
		if accepted && run.table.Drop(p.RequestID) {
			slog.Debug("pending request failed", "request_id", p.RequestID, "error_text", p.ErrorText, "canceled", p.Canceled)
		}

	case *channel.NavigationStarted:
		if accepted {
			run.track(func() {
				if err := r.ch.EnableNetworkEvents(run.ctx, run.handle); err != nil {
					slog.Debug("re-enable network events failed", "error", err)
				}
			})
		}
	}
}

func (r *Recorder) onRequestInitiated(run *captureRun, ev *channel.RequestInitiated) {
	parts, err := types.ParseURLParts(ev.URL)
	if err != nil || !MatchesFilter(parts.Path, run.filters) {
		return
	}

	p := &types.PendingRequest{
		ID:             ev.RequestID,
		URL:            ev.URL,
		Method:         ev.Method,
		RequestHeaders: ev.Headers,
		Timestamp:      time.Now(),
	}
	if ev.PostData != "" {
		body := ev.PostData
		p.RequestBody = &body
	}
	if run.table.Insert(p) {
		run.rec.IncTotal()
	} else {
		slog.Debug("pending request redirected", "request_id", ev.RequestID, "url", ev.URL)
	}

	if ev.HasPostData && ev.PostData == "" {
		run.track(func() {
			data, err := r.ch.GetRequestPostData(run.ctx, run.handle, ev.RequestID)
			if err != nil {
				slog.Debug("request body fetch failed", "request_id", ev.RequestID, "error", err)
				return
			}
			run.table.Update(ev.RequestID, func(pr *types.PendingRequest) {
				pr.RequestBody = &data
			})
		})
	}
}

// onBodyAvailable reads the paused response body, then always resumes the
// exchange.
func (r *Recorder) onBodyAvailable(run *captureRun, ev *channel.BodyAvailable) {
	defer r.release(run, ev.InterceptionID)

	if ev.RequestID == "" || !run.table.Has(ev.RequestID) {
		return
	}
	body, err := r.fetchBody(run.ctx, run.handle, channel.BodyRequest{
		RequestID:      ev.RequestID,
		InterceptionID: ev.InterceptionID,
	})
	stored := run.table.Update(ev.RequestID, func(pr *types.PendingRequest) {
		if err != nil {
			empty := ""
			pr.ResponseBody = &empty
			pr.BodyFetchError = err.Error()
			return
		}
		pr.ResponseBody = &body
		pr.BodyFetchError = ""
	})
	if err != nil {
		slog.Debug("response body fetch failed", "request_id", ev.RequestID, "url", ev.URL, "error", err)
		return
	}
	if stored && body != "" {
		run.rec.IncWithBody()
	}
}

func (r *Recorder) fetchBody(ctx context.Context, h channel.Handle, req channel.BodyRequest) (string, error) {
	b, err := r.ch.GetResponseBody(ctx, h, req)
	if err != nil {
		return "", err
	}
	if !b.Base64Encoded {
		return b.Body, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(b.Body)
	if err != nil {
		return "", fmt.Errorf("decode base64 body: %w", err)
	}
	return string(decoded), nil
}

func (r *Recorder) release(run *captureRun, interceptionID string) {
	if interceptionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.ch.ContinueIntercepted(ctx, run.handle, interceptionID, ""); err != nil {
		slog.Debug("continue paused response failed", "interception_id", interceptionID, "error", err)
	}
}

// finalize moves p into the recording and, when persist is set, writes the
// recording through to storage.
func (r *Recorder) finalize(run *captureRun, p *types.PendingRequest, persist bool) {
	parts, err := types.ParseURLParts(p.URL)
	if err != nil {
		slog.Debug("dropping request with unparsable url", "request_id", p.ID, "url", p.URL)
		return
	}
	key := run.rec.Add(p, parts.PathAndQuery())
	slog.Debug("request finalized", "recording", run.rec.Name, "key", key, "url", p.URL)

	if stored, ok := run.rec.Get(key); ok {
		if run.journal != nil {
			r.journalAppend(run, key, stored)
		}
		r.opts.Feed.PublishJSON(feed.FeedRecorded, Recorded{
			Recording: run.rec.Name,
			Key:       key,
			Method:    stored.Method,
			URL:       stored.URL,
			Status:    stored.Status,
			HasBody:   stored.ResponseBody != "",
		})
	}
	if persist {
		r.persist(run)
	}
}

type journalEntry struct {
	Timestamp     time.Time                 `json:"timestamp"`
	Recording     string                    `json:"recording"`
	SessionID     string                    `json:"session_id"`
	Key           string                    `json:"key"`
	Record        types.StoredRequestRecord `json:"record"`
	BodyTruncated bool                      `json:"body_truncated,omitempty"`
	OriginalSize  int                       `json:"original_size,omitempty"`
	SHA256        string                    `json:"sha256,omitempty"`
}

func (r *Recorder) journalAppend(run *captureRun, key string, stored *types.StoredRequestRecord) {
	entry := journalEntry{
		Timestamp: time.Now().UTC(),
		Recording: run.rec.Name,
		SessionID: run.id,
		Key:       key,
		Record:    *stored,
	}
	body, truncated, size, hash := truncateText(stored.ResponseBody, r.opts.JournalMaxBodyBytes)
	if truncated {
		entry.Record.ResponseBody = body
		entry.BodyTruncated = true
		entry.OriginalSize = size
		entry.SHA256 = hash
	}
	if err := run.journal.Append(entry); err != nil {
		slog.Debug("journal append failed", "key", key, "error", err)
	}
}

func (r *Recorder) persist(run *captureRun) {
	if err := r.save(run.ctx, run); err != nil {
		slog.Error("write-through save failed", "recording", run.rec.Name, "error", err)
	}
}

func (r *Recorder) save(ctx context.Context, run *captureRun) error {
	run.saveMu.Lock()
	defer run.saveMu.Unlock()
	return r.recordings.Save(ctx, run.rec)
}

func (r *Recorder) cleanupLoop(run *captureRun) {
	ticker := time.NewTicker(r.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := run.table.CleanupStale(time.Now().Add(-r.opts.StaleAfter)); n > 0 {
				slog.Info("dropped stale pending requests", "recording", run.rec.Name, "count", n)
			}
		case <-run.stopCleanup:
			return
		}
	}
}

// Active returns the recording being captured, if any.
func (r *Recorder) Active() *types.Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil {
		return nil
	}
	return r.run.rec
}
