package channel

// EventName names a network lifecycle event.
type EventName string

const (
	EventRequestInitiated        EventName = "request-initiated"
	EventResponseHeadersReceived EventName = "response-headers-received"
	EventLoadingFinished         EventName = "loading-finished"
	EventLoadingFailed           EventName = "loading-failed"
	EventBodyAvailable           EventName = "body-available"
	EventRequestIntercepted      EventName = "request-intercepted"
	EventNavigationStarted       EventName = "navigation-started"
)

// Event is one notification for a debuggee. Params holds the typed payload
// matching Name (for example *RequestInitiated for EventRequestInitiated).
type Event struct {
	DebuggeeID string
	Name       EventName
	Params     any
}

// RequestInitiated is delivered when a request is about to be sent.
type RequestInitiated struct {
	RequestID   string
	URL         string
	Method      string
	Headers     map[string]string
	HasPostData bool
	PostData    string
	Redirect    bool
}

// ResponseHeadersReceived carries the response status line and headers.
type ResponseHeadersReceived struct {
	RequestID  string
	Status     int
	StatusText string
	Headers    map[string]string
}

// LoadingFinished marks successful completion of a request.
type LoadingFinished struct {
	RequestID string
}

// LoadingFailed marks a failed request.
type LoadingFailed struct {
	RequestID string
	ErrorText string
	Canceled  bool
}

// BodyAvailable is a response-stage pause. The exchange stays paused until
// ContinueIntercepted is called with InterceptionID.
type BodyAvailable struct {
	InterceptionID string
	RequestID      string
	URL            string
	Status         int
}

// RequestIntercepted is a request-stage pause awaiting a decision.
type RequestIntercepted struct {
	InterceptionID string
	RequestID      string
	URL            string
	Method         string
}

// NavigationStarted is emitted when the main frame starts loading.
type NavigationStarted struct {
	FrameID string
}
