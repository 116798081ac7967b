// Package channel defines the contract between the capture/replay engine and
// the host instrumentation transport that delivers network lifecycle events
// and accepts interception commands.
package channel

import "context"

// Stage selects when an interception pauses an exchange.
type Stage string

const (
	StageRequest  Stage = "Request"
	StageResponse Stage = "Response"
)

// Pattern restricts interception to matching URLs at one stage.
type Pattern struct {
	URLPattern string
	Stage      Stage
}

// Target is a debuggable page.
type Target struct {
	ID    string
	URL   string
	Title string
}

// Handle identifies one attachment to a target. DebuggeeID is the value
// carried by every event delivered for this attachment.
type Handle struct {
	TargetID   string
	DebuggeeID string
}

// Body is a response body as delivered by the transport.
type Body struct {
	Body          string
	Base64Encoded bool
}

// BodyRequest addresses a response body either through a paused
// interception or through the network request id after completion.
type BodyRequest struct {
	RequestID      string
	InterceptionID string
}

// Listener receives events for one attachment.
type Listener func(ev Event)

// EventChannel is the host instrumentation transport.
type EventChannel interface {
	ActiveTarget(ctx context.Context) (Target, error)
	Attach(ctx context.Context, t Target) (Handle, error)
	Detach(ctx context.Context, h Handle) error
	EnableNetworkEvents(ctx context.Context, h Handle) error
	EnableInterception(ctx context.Context, h Handle, patterns []Pattern) error
	DisableInterception(ctx context.Context, h Handle) error
	Subscribe(h Handle, l Listener) (unsubscribe func())
	GetResponseBody(ctx context.Context, h Handle, req BodyRequest) (Body, error)
	GetRequestPostData(ctx context.Context, h Handle, requestID string) (string, error)
	// ContinueIntercepted resolves a paused exchange. An empty rawResponse
	// lets the request proceed unmodified; otherwise rawResponse is the
	// base64 encoding of a complete HTTP response (status line, headers,
	// blank line, body) that is served in its place.
	ContinueIntercepted(ctx context.Context, h Handle, interceptionID, rawResponse string) error
	Reload(ctx context.Context, h Handle) error
}
