// Package replay answers a page's outgoing requests from a stored Recording.
package replay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/netreplay/internal/channel"
	"github.com/dgnsrekt/netreplay/internal/feed"
	"github.com/dgnsrekt/netreplay/internal/session"
	"github.com/dgnsrekt/netreplay/internal/storage"
	"github.com/dgnsrekt/netreplay/internal/types"
)

// Options selects how intercepted requests are matched.
type Options struct {
	// Fallback enables the query-insensitive second pass.
	Fallback bool
	// Sequential answers the n-th request for a URL with the n-th recorded
	// occurrence (the last one once they run out) instead of always the first.
	Sequential bool
}

// Replayer runs replay sessions.
type Replayer struct {
	ch         channel.EventChannel
	sess       *session.Session
	recordings *storage.Recordings
	counters   *Counters
	feed       *feed.Broker

	mu  sync.Mutex
	run *replayRun
}

// Replayed is published on the replayed feed for every intercepted request.
type Replayed struct {
	URL   string `json:"url"`
	Hit   bool   `json:"hit"`
	Key   string `json:"key,omitempty"`
	Tier  Tier   `json:"tier,omitempty"`
	Count int    `json:"count,omitempty"`
}

type replayRun struct {
	name   string
	handle channel.Handle
	index  *Index
	opts   Options

	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup

	seqMu sync.Mutex
	seq   map[string]int
}

func NewReplayer(ch channel.EventChannel, sess *session.Session, recordings *storage.Recordings, counters *Counters) *Replayer {
	if counters == nil {
		counters = NewCounters()
	}
	return &Replayer{ch: ch, sess: sess, recordings: recordings, counters: counters}
}

// WithFeed publishes replay outcomes to b.
func (r *Replayer) WithFeed(b *feed.Broker) *Replayer {
	r.feed = b
	return r
}

// Counters returns the current replay counters.
func (r *Replayer) Counters() types.ReplayCounters {
	return r.counters.Snapshot()
}

// Start loads the named recording, attaches to the active page, intercepts
// every request and reloads the page.
func (r *Replayer) Start(ctx context.Context, name string, opts Options) error {
	if _, err := r.sess.Begin(session.ModeReplaying, name, nil); err != nil {
		return err
	}

	r.counters.Reset()
	r.saveCounters(ctx, types.ReplayCounters{})

	rec, err := r.recordings.Load(ctx, name)
	if err != nil {
		r.sess.Reset()
		return err
	}
	if err := r.recordings.SetLastUsed(ctx, name); err != nil {
		slog.Warn("set last used recording failed", "recording", name, "error", err)
	}

	tgt, err := r.ch.ActiveTarget(ctx)
	if err != nil {
		r.sess.Reset()
		return attachErr("select debuggee", err)
	}
	h, err := r.ch.Attach(ctx, tgt)
	if err != nil {
		r.sess.Reset()
		return attachErr("attach", err)
	}
	r.sess.Bind(h)

	runCtx, cancel := context.WithCancel(context.Background())
	run := &replayRun{
		name:   name,
		handle: h,
		index:  NewIndex(rec),
		opts:   opts,
		ctx:    runCtx,
		cancel: cancel,
		seq:    make(map[string]int),
	}
	run.unsubscribe = r.ch.Subscribe(h, func(ev channel.Event) { r.handleEvent(run, ev) })

	if err := r.arm(ctx, h); err != nil {
		r.abort(run)
		return err
	}
	r.mu.Lock()
	r.run = run
	r.mu.Unlock()

	if err := r.sess.Advance(session.PhaseAttaching, session.PhaseInterceptionEnabled); err != nil {
		r.abort(run)
		return err
	}
	if err := r.ch.Reload(ctx, h); err != nil {
		slog.Warn("replay reload failed", "recording", name, "error", err)
	}
	if err := r.sess.Advance(session.PhaseInterceptionEnabled, session.PhaseReplaying); err != nil {
		r.abort(run)
		return err
	}

	slog.Info("replay started",
		"recording", name,
		"records", run.index.Len(),
		"fallback", opts.Fallback,
		"sequential", opts.Sequential,
		"target_id", h.TargetID)
	return nil
}

// abort unwinds a start that failed after attaching and returns the session
// to idle.
func (r *Replayer) abort(run *replayRun) {
	run.unsubscribe()
	run.mu.Lock()
	run.closing = true
	run.mu.Unlock()
	run.inflight.Wait()
	run.cancel()
	if err := r.ch.DisableInterception(context.Background(), run.handle); err != nil {
		slog.Warn("disable interception after failed replay start", "error", err)
	}
	if err := r.ch.Detach(context.Background(), run.handle); err != nil {
		slog.Warn("detach after failed replay start", "error", err)
	}
	r.mu.Lock()
	if r.run == run {
		r.run = nil
	}
	r.mu.Unlock()
	r.sess.Reset()
}

// arm enables network events and request-stage interception of every URL.
func (r *Replayer) arm(ctx context.Context, h channel.Handle) error {
	if err := r.ch.EnableNetworkEvents(ctx, h); err != nil {
		return attachErr("enable network events", err)
	}
	patterns := []channel.Pattern{{URLPattern: "*", Stage: channel.StageRequest}}
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

// Stop disables interception and detaches. It is rejected unless a replay
// is running.
func (r *Replayer) Stop(ctx context.Context) error {
	if _, err := r.sess.Claim(session.ModeReplaying, session.PhaseReplaying, session.PhaseDetaching); err != nil {
		return err
	}
	r.mu.Lock()
	run := r.run
	r.run = nil
	r.mu.Unlock()
	if run == nil {
		r.sess.Reset()
		return types.NewError(types.CodeInvalidState, "no replay in progress", nil)
	}

	if err := r.ch.DisableInterception(ctx, run.handle); err != nil {
		slog.Warn("disable interception failed", "recording", run.name, "error", err)
	}
	if err := r.ch.Detach(ctx, run.handle); err != nil {
		slog.Warn("detach failed", "recording", run.name, "error", err)
	}
	run.unsubscribe()
	run.mu.Lock()
	run.closing = true
	run.mu.Unlock()
	run.inflight.Wait()
	run.cancel()

	counters := r.counters.Snapshot()
	r.saveCounters(ctx, counters)
	r.sess.Reset()

	slog.Info("replay stopped", "recording", run.name, "paths_replayed", len(counters))
	return nil
}

func (r *Replayer) handleEvent(run *replayRun, ev channel.Event) {
	accepted := r.sess.Accepts(ev.DebuggeeID, session.PhaseInterceptionEnabled, session.PhaseReplaying)

	switch p := ev.Params.(type) {
	case *channel.RequestIntercepted:
		if !accepted {
			r.passThrough(run, p.InterceptionID)
			return
		}
		run.mu.Lock()
		if run.closing {
			run.mu.Unlock()
			r.passThrough(run, p.InterceptionID)
			return
		}
		run.inflight.Add(1)
		run.mu.Unlock()
		go func() {
			defer run.inflight.Done()
			r.answer(run, p)
		}()

	case *channel.BodyAvailable:
		r.passThrough(run, p.InterceptionID)

	case *channel.NavigationStarted:
		if !accepted {
			return
		}
		// Some hosts reset instrumentation on navigation; re-arm before the
		// new document issues its requests.
		if err := r.arm(run.ctx, run.handle); err != nil {
			slog.Warn("re-arm after navigation failed", "recording", run.name, "error", err)
		} else {
			slog.Debug("re-armed after navigation", "recording", run.name, "frame_id", p.FrameID)
		}
	}
}

// answer serves the intercepted request from the recording, or lets it
// through to the network on a miss or when fulfilment fails.
func (r *Replayer) answer(run *replayRun, ev *channel.RequestIntercepted) {
	candidates, tier := run.index.Candidates(ev.URL, run.opts.Fallback)
	if len(candidates) == 0 {
		slog.Debug("replay miss", "url", ev.URL)
		r.passThrough(run, ev.InterceptionID)
		r.feed.PublishJSON(feed.FeedReplayed, Replayed{URL: ev.URL})
		return
	}

	hit := candidates[0]
	if run.opts.Sequential {
		hit = run.pick(string(tier)+" "+hit.Key, candidates)
	}

	raw := BuildRawResponse(hit.Record)
	if err := r.ch.ContinueIntercepted(run.ctx, run.handle, ev.InterceptionID, raw); err != nil {
		slog.Warn("synthetic response failed, passing through", "url", ev.URL, "key", hit.Key, "error", err)
		r.passThrough(run, ev.InterceptionID)
		r.feed.PublishJSON(feed.FeedReplayed, Replayed{URL: ev.URL})
		return
	}

	parts, err := types.ParseURLParts(ev.URL)
	if err != nil {
		return
	}
	counters := r.counters.Inc(parts.Path)
	r.saveCounters(run.ctx, counters)
	slog.Debug("replayed", "url", ev.URL, "key", hit.Key, "tier", tier)
	r.feed.PublishJSON(feed.FeedReplayed, Replayed{URL: ev.URL, Hit: true, Key: hit.Key, Tier: tier, Count: counters[parts.Path]})
}

// pick returns the next occurrence for a candidate set.
func (run *replayRun) pick(setKey string, candidates []types.KeyedRecord) types.KeyedRecord {
	run.seqMu.Lock()
	defer run.seqMu.Unlock()
	n := run.seq[setKey]
	run.seq[setKey] = n + 1
	if n >= len(candidates) {
		n = len(candidates) - 1
	}
	return candidates[n]
}

func (r *Replayer) passThrough(run *replayRun, interceptionID string) {
	if interceptionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.ch.ContinueIntercepted(ctx, run.handle, interceptionID, ""); err != nil {
		slog.Warn("pass-through failed", "interception_id", interceptionID, "error", err)
	}
}

func (r *Replayer) saveCounters(ctx context.Context, counters types.ReplayCounters) {
	if err := r.recordings.SaveCounters(ctx, counters); err != nil {
		slog.Warn("save replay counters failed", "error", err)
	}
}
