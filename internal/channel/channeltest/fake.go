// Package channeltest provides an in-memory channel.EventChannel for tests.
package channeltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgnsrekt/netreplay/internal/channel"
)

// Continued is one ContinueIntercepted call.
type Continued struct {
	InterceptionID string
	RawResponse    string
}

// Fake records every command and delivers emitted events synchronously to
// subscribed listeners.
type Fake struct {
	mu sync.Mutex

	Target                channel.Target
	TargetErr             error
	AttachErr             error
	EnableNetworkErr      error
	EnableInterceptionErr error
	DetachErr             error
	ReloadErr             error
	// FulfillErr fails ContinueIntercepted calls that carry a raw response.
	FulfillErr error
	// OnReload runs after each Reload call, outside the fake's lock.
	OnReload func()

	// Bodies and BodyErrs are keyed by network request id.
	Bodies   map[string]channel.Body
	BodyErrs map[string]error
	PostData map[string]string

	attachments int
	handle      channel.Handle
	listeners   map[int]channel.Listener
	nextID      int
	calls       []string
	continued   []Continued
	patterns    [][]channel.Pattern
}

var _ channel.EventChannel = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		Target:    channel.Target{ID: "target-1", URL: "https://app.test/", Title: "App"},
		Bodies:    make(map[string]channel.Body),
		BodyErrs:  make(map[string]error),
		PostData:  make(map[string]string),
		listeners: make(map[int]channel.Listener),
	}
}

func (f *Fake) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *Fake) ActiveTarget(context.Context) (channel.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ActiveTarget")
	if f.TargetErr != nil {
		return channel.Target{}, f.TargetErr
	}
	return f.Target, nil
}

func (f *Fake) Attach(_ context.Context, t channel.Target) (channel.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Attach")
	if f.AttachErr != nil {
		return channel.Handle{}, f.AttachErr
	}
	f.attachments++
	f.handle = channel.Handle{TargetID: t.ID, DebuggeeID: fmt.Sprintf("session-%d", f.attachments)}
	return f.handle, nil
}

func (f *Fake) Detach(context.Context, channel.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Detach")
	return f.DetachErr
}

func (f *Fake) EnableNetworkEvents(context.Context, channel.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("EnableNetworkEvents")
	return f.EnableNetworkErr
}

func (f *Fake) EnableInterception(_ context.Context, _ channel.Handle, patterns []channel.Pattern) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("EnableInterception")
	if f.EnableInterceptionErr != nil {
		return f.EnableInterceptionErr
	}
	f.patterns = append(f.patterns, append([]channel.Pattern(nil), patterns...))
	return nil
}

func (f *Fake) DisableInterception(context.Context, channel.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DisableInterception")
	f.patterns = append(f.patterns, nil)
	return nil
}

func (f *Fake) Subscribe(_ channel.Handle, l channel.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Subscribe")
	f.nextID++
	id := f.nextID
	f.listeners[id] = l
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *Fake) GetResponseBody(_ context.Context, _ channel.Handle, req channel.BodyRequest) (channel.Body, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetResponseBody")
	if err := f.BodyErrs[req.RequestID]; err != nil {
		return channel.Body{}, err
	}
	b, ok := f.Bodies[req.RequestID]
	if !ok {
		return channel.Body{}, errors.New("no resource with given identifier found")
	}
	return b, nil
}

func (f *Fake) GetRequestPostData(_ context.Context, _ channel.Handle, requestID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetRequestPostData")
	data, ok := f.PostData[requestID]
	if !ok {
		return "", errors.New("no post data available")
	}
	return data, nil
}

func (f *Fake) ContinueIntercepted(_ context.Context, _ channel.Handle, interceptionID, rawResponse string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ContinueIntercepted")
	if rawResponse != "" && f.FulfillErr != nil {
		return f.FulfillErr
	}
	f.continued = append(f.continued, Continued{InterceptionID: interceptionID, RawResponse: rawResponse})
	return nil
}

func (f *Fake) Reload(context.Context, channel.Handle) error {
	f.mu.Lock()
	f.record("Reload")
	err, hook := f.ReloadErr, f.OnReload
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

// Emit delivers an event for the current attachment to every listener.
func (f *Fake) Emit(name channel.EventName, params any) {
	f.mu.Lock()
	id := f.handle.DebuggeeID
	f.mu.Unlock()
	f.EmitFor(id, name, params)
}

// EmitFor delivers an event carrying debuggeeID.
func (f *Fake) EmitFor(debuggeeID string, name channel.EventName, params any) {
	f.mu.Lock()
	listeners := make([]channel.Listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()
	for _, l := range listeners {
		l(channel.Event{DebuggeeID: debuggeeID, Name: name, Params: params})
	}
}

// Handle returns the most recent attachment.
func (f *Fake) Handle() channel.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handle
}

// Calls returns the number of times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

// Listeners returns the number of active subscriptions.
func (f *Fake) Listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// ContinuedFor returns the resolutions recorded for interceptionID.
func (f *Fake) ContinuedFor(interceptionID string) []Continued {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Continued
	for _, c := range f.continued {
		if c.InterceptionID == interceptionID {
			out = append(out, c)
		}
	}
	return out
}

// Patterns returns every interception pattern set, nil entries for disables.
func (f *Fake) Patterns() [][]channel.Pattern {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]channel.Pattern(nil), f.patterns...)
}

// WaitContinued polls until interceptionID has been resolved or timeout
// elapses.
func (f *Fake) WaitContinued(interceptionID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if len(f.ContinuedFor(interceptionID)) > 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}
