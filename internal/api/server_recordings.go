package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/netreplay/internal/storage"
	"github.com/dgnsrekt/netreplay/internal/types"
)

func registerRecordingHandlers(api huma.API, svc Service) {
	type listOutput struct {
		Body struct {
			Recordings []storage.RecordingSummary `json:"recordings"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-recordings", Method: http.MethodGet, Path: "/api/v1/recordings", Summary: "List stored recordings, newest first", Tags: []string{"Recordings"}},
		func(ctx context.Context, input *struct{}) (*listOutput, error) {
			list, err := svc.ListRecordings(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listOutput{}
			out.Body.Recordings = list
			if out.Body.Recordings == nil {
				out.Body.Recordings = []storage.RecordingSummary{}
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "export-recording", Method: http.MethodGet, Path: "/api/v1/recordings/{name}", Summary: "Export a recording document", Tags: []string{"Recordings"}},
		func(ctx context.Context, input *nameInput) (*struct{ Body json.RawMessage }, error) {
			doc, err := svc.ExportRecording(ctx, input.Name)
			if err != nil {
				return nil, mapErr(err)
			}
			return &struct{ Body json.RawMessage }{Body: doc}, nil
		})

	type deleteOutput struct {
		Body struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "delete-recording", Method: http.MethodDelete, Path: "/api/v1/recordings/{name}", Summary: "Delete a recording", Tags: []string{"Recordings"}},
		func(ctx context.Context, input *nameInput) (*deleteOutput, error) {
			if err := svc.DeleteRecording(ctx, input.Name); err != nil {
				return nil, mapErr(err)
			}
			out := &deleteOutput{}
			out.Body.Name = input.Name
			out.Body.Status = "deleted"
			return out, nil
		})

	type importOutput struct {
		Body struct {
			Name     string         `json:"name"`
			Requests int            `json:"requests"`
			Metadata types.Metadata `json:"metadata"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "import-recording", Method: http.MethodPost, Path: "/api/v1/recordings/import", Summary: "Import an exported recording document", Tags: []string{"Recordings"}},
		func(ctx context.Context, input *struct {
			Body map[string]any `doc:"Recording document as returned by export"`
		}) (*importOutput, error) {
			data, err := json.Marshal(input.Body)
			if err != nil {
				return nil, huma.Error400BadRequest("invalid recording document", err)
			}
			rec, err := svc.ImportRecording(ctx, data)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &importOutput{}
			out.Body.Name = rec.Name
			out.Body.Requests = rec.Len()
			out.Body.Metadata = rec.Metadata
			return out, nil
		})

	type previewOutput struct {
		Body struct {
			Name     string                 `json:"name"`
			Requests []storage.PreviewEntry `json:"requests"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "preview-recording", Method: http.MethodGet, Path: "/api/v1/recordings/{name}/preview", Summary: "Unique request paths with replay counts", Tags: []string{"Recordings"}},
		func(ctx context.Context, input *nameInput) (*previewOutput, error) {
			entries, err := svc.PreviewRecording(ctx, input.Name)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &previewOutput{}
			out.Body.Name = input.Name
			out.Body.Requests = entries
			if out.Body.Requests == nil {
				out.Body.Requests = []storage.PreviewEntry{}
			}
			return out, nil
		})

	type editOutput struct {
		Body *types.StoredRequestRecord
	}
	// Record keys contain spaces and slashes, so the key travels in the body.
	huma.Register(api, huma.Operation{OperationID: "edit-record", Method: http.MethodPatch, Path: "/api/v1/recordings/{name}/requests", Summary: "Set or delete a JSON path inside one stored record", Tags: []string{"Recordings"}},
		func(ctx context.Context, input *struct {
			Name string `path:"name"`
			Body struct {
				Key    string `json:"key" required:"true" doc:"Record key as listed in the exported document"`
				Path   string `json:"path" required:"true" doc:"JSON path inside the record, e.g. status or responseHeaders.Content-Type"`
				Value  any    `json:"value,omitempty" doc:"New value"`
				Delete bool   `json:"delete,omitempty" doc:"Remove the path instead of setting it"`
			}
		}) (*editOutput, error) {
			value := input.Body.Value
			if input.Body.Delete {
				value = nil
			} else if value == nil {
				return nil, huma.Error400BadRequest("value is required unless delete is set")
			}
			rec, err := svc.EditRecord(ctx, input.Name, input.Body.Key, input.Body.Path, value)
			if err != nil {
				return nil, mapErr(err)
			}
			return &editOutput{Body: rec}, nil
		})
}
