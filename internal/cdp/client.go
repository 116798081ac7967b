// Package cdp implements the engine's EventChannel over the Chrome DevTools
// Protocol using a raw browser websocket with flattened target sessions.
package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/netreplay/internal/channel"
	"github.com/dgnsrekt/netreplay/internal/types"
)

// Client is a channel.EventChannel backed by one browser websocket.
type Client struct {
	cdpURL    string
	tabFilter string
	timeout   time.Duration

	mu  sync.Mutex
	cdp *rawCDP
}

var _ channel.EventChannel = (*Client)(nil)

func NewClient(cdpURL, tabFilter string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cdpURL:    cdpURL,
		tabFilter: strings.ToLower(strings.TrimSpace(tabFilter)),
		timeout:   timeout,
	}
}

// Connect dials the browser. It is also called lazily by every operation.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.conn(ctx)
	return err
}

func (c *Client) conn(ctx context.Context) (*rawCDP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cdp != nil && c.cdp.alive() {
		return c.cdp, nil
	}
	if c.cdpURL == "" {
		return nil, types.NewError(types.CodeAttachment, "missing CDP URL", nil)
	}
	if c.cdp != nil {
		c.cdp.close()
	}
	slog.Info("cdp connect start", "cdp_url", c.cdpURL)
	raw := newRawCDP(c.cdpURL)
	if err := raw.connect(ctx); err != nil {
		return nil, types.NewError(types.CodeAttachment, "connect to CDP failed", err)
	}
	c.cdp = raw
	slog.Info("cdp connect ok", "cdp_url", c.cdpURL)
	return raw, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cdp != nil {
		c.cdp.close()
		c.cdp = nil
	}
	return nil
}

func (c *Client) send(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	raw, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	cmdCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return raw.sendFlat(cmdCtx, sessionID, method, params)
}

// ActiveTarget picks the page tab to debug: the most recently focused page
// whose URL contains the tab filter.
func (c *Client) ActiveTarget(ctx context.Context) (channel.Target, error) {
	raw, err := c.conn(ctx)
	if err != nil {
		return channel.Target{}, err
	}
	infos, err := raw.listTargets(ctx)
	if err != nil {
		return channel.Target{}, types.NewError(types.CodeAttachment, "list targets failed", err)
	}
	if t, ok := pickTarget(infos, c.tabFilter); ok {
		return t, nil
	}
	return channel.Target{}, types.NewError(types.CodeAttachment, "no matching page tab", nil)
}

func pickTarget(infos []*target.Info, filter string) (channel.Target, bool) {
	for _, info := range infos {
		if info == nil || info.Type != "page" {
			continue
		}
		u := strings.ToLower(info.URL)
		if strings.HasPrefix(u, "devtools://") || strings.HasPrefix(u, "chrome-extension://") {
			continue
		}
		if filter != "" && !strings.Contains(u, filter) {
			continue
		}
		return channel.Target{ID: string(info.TargetID), URL: info.URL, Title: info.Title}, true
	}
	return channel.Target{}, false
}

// Attach opens a flattened session on the target and enables the Page domain
// so navigation starts are reported.
func (c *Client) Attach(ctx context.Context, t channel.Target) (channel.Handle, error) {
	raw, err := c.conn(ctx)
	if err != nil {
		return channel.Handle{}, err
	}
	cmdCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	sessionID, err := raw.attachToTarget(cmdCtx, target.ID(t.ID))
	if err != nil {
		return channel.Handle{}, types.NewError(types.CodeAttachment, "attach to target failed", err)
	}
	h := channel.Handle{TargetID: t.ID, DebuggeeID: sessionID}
	if _, err := c.send(ctx, sessionID, page.CommandEnable, nil); err != nil {
		_ = c.Detach(ctx, h)
		return channel.Handle{}, types.NewError(types.CodeAttachment, "enable page domain failed", err)
	}
	slog.Info("cdp attached", "target_id", t.ID, "session_id", sessionID, "url", t.URL)
	return h, nil
}

func (c *Client) Detach(ctx context.Context, h channel.Handle) error {
	raw, err := c.conn(ctx)
	if err != nil {
		return err
	}
	cmdCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := raw.detachFromTarget(cmdCtx, h.DebuggeeID); err != nil {
		return fmt.Errorf("detach %s: %w", h.TargetID, err)
	}
	slog.Info("cdp detached", "target_id", h.TargetID, "session_id", h.DebuggeeID)
	return nil
}

func (c *Client) EnableNetworkEvents(ctx context.Context, h channel.Handle) error {
	_, err := c.send(ctx, h.DebuggeeID, network.CommandEnable, network.Enable())
	return err
}

func (c *Client) EnableInterception(ctx context.Context, h channel.Handle, patterns []channel.Pattern) error {
	if len(patterns) == 0 {
		return c.DisableInterception(ctx, h)
	}
	fetchPatterns := make([]*fetch.RequestPattern, 0, len(patterns))
	for _, p := range patterns {
		stage := fetch.RequestStageRequest
		if p.Stage == channel.StageResponse {
			stage = fetch.RequestStageResponse
		}
		fetchPatterns = append(fetchPatterns, &fetch.RequestPattern{URLPattern: p.URLPattern, RequestStage: stage})
	}
	_, err := c.send(ctx, h.DebuggeeID, fetch.CommandEnable, fetch.Enable().WithPatterns(fetchPatterns))
	return err
}

func (c *Client) DisableInterception(ctx context.Context, h channel.Handle) error {
	_, err := c.send(ctx, h.DebuggeeID, fetch.CommandDisable, nil)
	return err
}

// Subscribe delivers the attachment's events to l, in arrival order, from a
// dedicated goroutine. Listeners may therefore issue commands.
func (c *Client) Subscribe(h channel.Handle, l channel.Listener) func() {
	c.mu.Lock()
	raw := c.cdp
	c.mu.Unlock()
	if raw == nil {
		return func() {}
	}

	q := newEventQueue()
	go q.run(l)

	unregister := make([]func(), 0, len(subscribedEvents))
	for _, method := range subscribedEvents {
		method := method
		unregister = append(unregister, raw.registerEventHandler(method, func(sessionID string, params json.RawMessage) {
			if sessionID != h.DebuggeeID {
				return
			}
			name, payload, ok := translate(method, params, h.TargetID)
			if !ok {
				return
			}
			q.push(channel.Event{DebuggeeID: sessionID, Name: name, Params: payload})
		}))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, fn := range unregister {
				fn()
			}
			q.close()
		})
	}
}

func (c *Client) GetResponseBody(ctx context.Context, h channel.Handle, req channel.BodyRequest) (channel.Body, error) {
	var (
		raw json.RawMessage
		err error
	)
	if req.InterceptionID != "" {
		raw, err = c.send(ctx, h.DebuggeeID, fetch.CommandGetResponseBody, fetch.GetResponseBody(fetch.RequestID(req.InterceptionID)))
	} else {
		raw, err = c.send(ctx, h.DebuggeeID, network.CommandGetResponseBody, network.GetResponseBody(network.RequestID(req.RequestID)))
	}
	if err != nil {
		return channel.Body{}, err
	}
	// Both domains return the same body shape.
	var resp network.GetResponseBodyReturns
	if err := json.Unmarshal(raw, &resp); err != nil {
		return channel.Body{}, fmt.Errorf("decode response body: %w", err)
	}
	return channel.Body{Body: resp.Body, Base64Encoded: resp.Base64encoded}, nil
}

func (c *Client) GetRequestPostData(ctx context.Context, h channel.Handle, requestID string) (string, error) {
	raw, err := c.send(ctx, h.DebuggeeID, network.CommandGetRequestPostData, network.GetRequestPostData(network.RequestID(requestID)))
	if err != nil {
		return "", err
	}
	// Newer browsers flag binary post data, which the protocol types predate.
	var resp struct {
		network.GetRequestPostDataReturns
		Base64Encoded bool `json:"base64Encoded"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode post data: %w", err)
	}
	if resp.Base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(resp.PostData)
		if err != nil {
			return "", fmt.Errorf("decode post data: %w", err)
		}
		return string(decoded), nil
	}
	return resp.PostData, nil
}

// ContinueIntercepted resumes a paused exchange, or fulfils it from a raw
// base64 HTTP response.
func (c *Client) ContinueIntercepted(ctx context.Context, h channel.Handle, interceptionID, rawResponse string) error {
	if rawResponse == "" {
		_, err := c.send(ctx, h.DebuggeeID, fetch.CommandContinueRequest, fetch.ContinueRequest(fetch.RequestID(interceptionID)))
		return err
	}

	data, err := base64.StdEncoding.DecodeString(rawResponse)
	if err != nil {
		return fmt.Errorf("decode raw response: %w", err)
	}
	resp, err := parseRawResponse(data)
	if err != nil {
		return err
	}
	params := fetch.FulfillRequest(fetch.RequestID(interceptionID), int64(resp.status)).
		WithResponseHeaders(resp.headers).
		WithBody(base64.StdEncoding.EncodeToString(resp.body))
	_, err = c.send(ctx, h.DebuggeeID, fetch.CommandFulfillRequest, params)
	return err
}

// Reload reloads the page. The command returns before the navigation
// finishes.
func (c *Client) Reload(ctx context.Context, h channel.Handle) error {
	_, err := c.send(ctx, h.DebuggeeID, page.CommandReload, page.Reload().WithIgnoreCache(true))
	return err
}
