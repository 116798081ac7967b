// Package api serves the netreplay control surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/netreplay/internal/controller"
	"github.com/dgnsrekt/netreplay/internal/feed"
	"github.com/dgnsrekt/netreplay/internal/replay"
	"github.com/dgnsrekt/netreplay/internal/storage"
	"github.com/dgnsrekt/netreplay/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Service interface {
	StartRecording(ctx context.Context, name string, filters []string) (string, error)
	StopRecording(ctx context.Context) (*types.Recording, error)
	StartReplaying(ctx context.Context, name string, opts replay.Options) (string, error)
	StopReplaying(ctx context.Context) error
	GetState() controller.State
	Counters(ctx context.Context) (types.ReplayCounters, error)

	ListRecordings(ctx context.Context) ([]storage.RecordingSummary, error)
	ExportRecording(ctx context.Context, name string) (json.RawMessage, error)
	DeleteRecording(ctx context.Context, name string) error
	ImportRecording(ctx context.Context, data []byte) (*types.Recording, error)
	PreviewRecording(ctx context.Context, name string) ([]storage.PreviewEntry, error)
	EditRecord(ctx context.Context, name, key, path string, value any) (*types.StoredRequestRecord, error)
}

type nameInput struct {
	Name string `path:"name" doc:"Recording name"`
}

// Result reports start/stop outcomes in the body rather than the status.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func newResult(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	body := Result{Error: err.Error()}
	var coded *types.CodedError
	if errors.As(err, &coded) {
		body.Code = coded.Code
		body.Error = coded.Message
	}
	return body
}

// NewServer builds the API router. events may be nil, which disables the
// live event stream.
func NewServer(svc Service, events *feed.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("netreplay API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	if events != nil {
		router.Get("/api/v1/events", feed.SSEHandler(events))
	}

	registerSessionHandlers(api, svc)
	registerRecordingHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *types.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case types.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case types.CodeRecordingNotFound, types.CodeRecordNotFound:
			return huma.Error404NotFound(coded.Message)
		case types.CodeInvalidState:
			return huma.Error409Conflict(coded.Message)
		case types.CodeAttachment:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
