package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/netreplay/internal/controller"
	"github.com/dgnsrekt/netreplay/internal/replay"
	"github.com/dgnsrekt/netreplay/internal/types"
)

func registerSessionHandlers(api huma.API, svc Service) {
	type stateOutput struct {
		Body controller.State
	}
	huma.Register(api, huma.Operation{OperationID: "get-state", Method: http.MethodGet, Path: "/api/v1/state", Summary: "Current capture/replay state", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct{}) (*stateOutput, error) {
			return &stateOutput{Body: svc.GetState()}, nil
		})

	type startRecordingOutput struct {
		Body struct {
			Result
			Name string `json:"name,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "start-recording", Method: http.MethodPost, Path: "/api/v1/recording/start", Summary: "Attach to the active tab and start capturing", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Name    string   `json:"name,omitempty" doc:"Recording name. Defaults to a timestamped name."`
				Filters []string `json:"filters,omitempty" doc:"Path substrings to capture. Defaults to the configured filter."`
			} `required:"false"`
		}) (*startRecordingOutput, error) {
			name, err := svc.StartRecording(ctx, input.Body.Name, input.Body.Filters)
			out := &startRecordingOutput{}
			out.Body.Result = newResult(err)
			out.Body.Name = name
			return out, nil
		})

	type stopRecordingOutput struct {
		Body struct {
			Result
			Name     string         `json:"name,omitempty"`
			Requests int            `json:"requests"`
			Metadata types.Metadata `json:"metadata"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "stop-recording", Method: http.MethodPost, Path: "/api/v1/recording/stop", Summary: "Finalize and save the active capture", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct{}) (*stopRecordingOutput, error) {
			rec, err := svc.StopRecording(ctx)
			out := &stopRecordingOutput{}
			out.Body.Result = newResult(err)
			if rec != nil {
				out.Body.Name = rec.Name
				out.Body.Requests = rec.Len()
				out.Body.Metadata = rec.Metadata
			}
			return out, nil
		})

	type startReplayOutput struct {
		Body struct {
			Result
			Name string `json:"name,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "start-replay", Method: http.MethodPost, Path: "/api/v1/replay/start", Summary: "Serve the active tab from a recording", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Name            string `json:"name,omitempty" doc:"Recording to replay. Defaults to the last used recording."`
				FallbackEnabled bool   `json:"fallback_enabled,omitempty" doc:"Retry unmatched requests ignoring the query string"`
				Sequential      bool   `json:"sequential,omitempty" doc:"Answer repeated requests with successive recorded occurrences"`
			} `required:"false"`
		}) (*startReplayOutput, error) {
			name, err := svc.StartReplaying(ctx, input.Body.Name, replay.Options{
				Fallback:   input.Body.FallbackEnabled,
				Sequential: input.Body.Sequential,
			})
			out := &startReplayOutput{}
			out.Body.Result = newResult(err)
			out.Body.Name = name
			return out, nil
		})

	type stopReplayOutput struct {
		Body Result
	}
	huma.Register(api, huma.Operation{OperationID: "stop-replay", Method: http.MethodPost, Path: "/api/v1/replay/stop", Summary: "Stop replaying and detach", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct{}) (*stopReplayOutput, error) {
			return &stopReplayOutput{Body: newResult(svc.StopReplaying(ctx))}, nil
		})

	type countersOutput struct {
		Body types.ReplayCounters
	}
	huma.Register(api, huma.Operation{OperationID: "get-replay-counters", Method: http.MethodGet, Path: "/api/v1/replay/counters", Summary: "Replayed request counts by path", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct{}) (*countersOutput, error) {
			counters, err := svc.Counters(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &countersOutput{Body: counters}, nil
		})
}
