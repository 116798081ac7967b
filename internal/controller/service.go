// Package controller coordinates capture and replay sessions and exposes the
// operations served by the HTTP API.
package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/netreplay/internal/capture"
	"github.com/dgnsrekt/netreplay/internal/channel"
	"github.com/dgnsrekt/netreplay/internal/feed"
	"github.com/dgnsrekt/netreplay/internal/replay"
	"github.com/dgnsrekt/netreplay/internal/session"
	"github.com/dgnsrekt/netreplay/internal/storage"
	"github.com/dgnsrekt/netreplay/internal/types"
)

// Options configures a Service.
type Options struct {
	DefaultFilters      []string
	Journal             *storage.Journal
	JournalMaxBodyBytes int
	Feed                *feed.Broker
}

// State is the externally visible session state.
type State struct {
	IsRecording          bool     `json:"is_recording"`
	IsReplaying          bool     `json:"is_replaying"`
	CurrentRecordingName string   `json:"current_recording_name,omitempty"`
	CurrentFilter        []string `json:"current_filter,omitempty"`
	SessionID            string   `json:"session_id,omitempty"`
	Phase                string   `json:"phase"`
}

// Service owns the single session and the recorder and replayer bound to it.
type Service struct {
	sess       *session.Session
	recordings *storage.Recordings
	recorder   *capture.Recorder
	replayer   *replay.Replayer
	feed       *feed.Broker

	now func() time.Time
}

func NewService(ch channel.EventChannel, store storage.Store, opts Options) *Service {
	sess := session.New()
	recs := storage.NewRecordings(store)
	return &Service{
		sess:       sess,
		recordings: recs,
		recorder: capture.NewRecorder(ch, sess, recs, capture.Options{
			DefaultFilters:      opts.DefaultFilters,
			Journal:             opts.Journal,
			JournalMaxBodyBytes: opts.JournalMaxBodyBytes,
			Feed:                opts.Feed,
		}),
		replayer: replay.NewReplayer(ch, sess, recs, replay.NewCounters()).WithFeed(opts.Feed),
		feed:     opts.Feed,
		now:      time.Now,
	}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return types.NewError(types.CodeValidation, fieldName+" is required", nil)
	}
	return nil
}

// DefaultRecordingName names a capture started without a name.
func DefaultRecordingName(t time.Time) string {
	return "Unnamed Recording - " + t.Format("2006-01-02 15:04")
}

// StartRecording begins a capture on the active page.
func (s *Service) StartRecording(ctx context.Context, name string, filters []string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultRecordingName(s.now())
	}
	if storage.IsReservedKey(name) {
		return "", types.NewError(types.CodeValidation, "recording name "+name+" is reserved", nil)
	}
	if _, err := s.recorder.Start(ctx, name, filters); err != nil {
		slog.Warn("start recording failed", "recording", name, "error", err)
		return "", err
	}
	s.publishState()
	return name, nil
}

// StopRecording finalizes and persists the active capture.
func (s *Service) StopRecording(ctx context.Context) (*types.Recording, error) {
	rec, err := s.recorder.Stop(ctx)
	if rec != nil {
		s.publishState()
	}
	return rec, err
}

// StartReplaying serves the page from the named recording. An empty name
// replays the last used recording.
func (s *Service) StartReplaying(ctx context.Context, name string, opts replay.Options) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		last, err := s.recordings.LastUsed(ctx)
		if err != nil {
			return "", err
		}
		name = last
	}
	if err := s.requireNonEmpty(name, "name"); err != nil {
		return "", err
	}
	if err := s.replayer.Start(ctx, name, opts); err != nil {
		slog.Warn("start replay failed", "recording", name, "error", err)
		return "", err
	}
	s.publishState()
	return name, nil
}

// StopReplaying ends the active replay.
func (s *Service) StopReplaying(ctx context.Context) error {
	if err := s.replayer.Stop(ctx); err != nil {
		return err
	}
	s.publishState()
	return nil
}

func (s *Service) publishState() {
	s.feed.PublishJSON(feed.FeedState, s.GetState())
}

func (s *Service) GetState() State {
	st := s.sess.State()
	return State{
		IsRecording:          st.Mode == session.ModeRecording,
		IsReplaying:          st.Mode == session.ModeReplaying,
		CurrentRecordingName: st.RecordingName,
		CurrentFilter:        st.Filter,
		SessionID:            st.SessionID,
		Phase:                string(st.Phase),
	}
}

// Counters returns the replay counters. While idle they are read back from
// the store so they survive a restart.
func (s *Service) Counters(ctx context.Context) (types.ReplayCounters, error) {
	if s.sess.State().Mode == session.ModeReplaying {
		return s.replayer.Counters(), nil
	}
	return s.recordings.Counters(ctx)
}

func (s *Service) ListRecordings(ctx context.Context) ([]storage.RecordingSummary, error) {
	return s.recordings.List(ctx)
}

func (s *Service) ExportRecording(ctx context.Context, name string) (json.RawMessage, error) {
	if err := s.requireNonEmpty(name, "name"); err != nil {
		return nil, err
	}
	return s.recordings.Export(ctx, strings.TrimSpace(name))
}

// DeleteRecording removes a stored recording. The recording of the active
// session cannot be deleted.
func (s *Service) DeleteRecording(ctx context.Context, name string) error {
	if err := s.requireNonEmpty(name, "name"); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if st := s.sess.State(); st.Mode != session.ModeIdle && st.RecordingName == name {
		return types.NewError(types.CodeInvalidState, "recording "+name+" is in use by the active session", nil)
	}
	return s.recordings.Delete(ctx, name)
}

func (s *Service) ImportRecording(ctx context.Context, data []byte) (*types.Recording, error) {
	if len(data) == 0 {
		return nil, types.NewError(types.CodeValidation, "recording document is required", nil)
	}
	return s.recordings.Import(ctx, data)
}

func (s *Service) PreviewRecording(ctx context.Context, name string) ([]storage.PreviewEntry, error) {
	if err := s.requireNonEmpty(name, "name"); err != nil {
		return nil, err
	}
	return s.recordings.Preview(ctx, strings.TrimSpace(name))
}

// EditRecord sets path inside one stored record. A nil value deletes it.
func (s *Service) EditRecord(ctx context.Context, name, key, path string, value any) (*types.StoredRequestRecord, error) {
	if err := s.requireNonEmpty(name, "name"); err != nil {
		return nil, err
	}
	if err := s.requireNonEmpty(key, "key"); err != nil {
		return nil, err
	}
	if err := s.requireNonEmpty(path, "path"); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if st := s.sess.State(); st.Mode == session.ModeRecording && st.RecordingName == name {
		return nil, types.NewError(types.CodeInvalidState, "recording "+name+" is being captured", nil)
	}
	return s.recordings.EditRecord(ctx, name, key, strings.TrimSpace(path), value)
}

// Shutdown stops whichever session is active.
func (s *Service) Shutdown(ctx context.Context) {
	switch s.sess.State().Mode {
	case session.ModeRecording:
		if _, err := s.recorder.Stop(ctx); err != nil {
			slog.Warn("stop recording on shutdown failed", "error", err)
		}
	case session.ModeReplaying:
		if err := s.replayer.Stop(ctx); err != nil {
			slog.Warn("stop replay on shutdown failed", "error", err)
		}
	}
}
