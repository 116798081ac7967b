package cdp

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/dgnsrekt/netreplay/internal/channel"
)

// subscribedEvents lists the CDP events translated into channel events.
var subscribedEvents = []string{
	string(cdproto.EventNetworkRequestWillBeSent),
	string(cdproto.EventNetworkResponseReceived),
	string(cdproto.EventNetworkLoadingFinished),
	string(cdproto.EventNetworkLoadingFailed),
	string(cdproto.EventFetchRequestPaused),
	string(cdproto.EventPageFrameStartedLoading),
}

// translate converts one CDP event into a channel event. mainFrameID is the
// target id, which is also the id of the page's main frame.
func translate(method string, params json.RawMessage, mainFrameID string) (channel.EventName, any, bool) {
	ev, err := cdproto.UnmarshalMessage(&cdproto.Message{
		Method: cdproto.MethodType(method),
		Params: []byte(params),
	})
	if err != nil {
		return "", nil, false
	}

	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		if ev.RequestID == "" || ev.Request == nil {
			return "", nil, false
		}
		postData, hasPostData := requestPostData(ev.Request)
		return channel.EventRequestInitiated, &channel.RequestInitiated{
			RequestID:   string(ev.RequestID),
			URL:         ev.Request.URL + ev.Request.URLFragment,
			Method:      ev.Request.Method,
			Headers:     headerMapToStringMap(ev.Request.Headers),
			HasPostData: hasPostData,
			PostData:    postData,
			Redirect:    ev.RedirectResponse != nil,
		}, true

	case *network.EventResponseReceived:
		if ev.RequestID == "" || ev.Response == nil {
			return "", nil, false
		}
		return channel.EventResponseHeadersReceived, &channel.ResponseHeadersReceived{
			RequestID:  string(ev.RequestID),
			Status:     int(ev.Response.Status),
			StatusText: ev.Response.StatusText,
			Headers:    headerMapToStringMap(ev.Response.Headers),
		}, true

	case *network.EventLoadingFinished:
		if ev.RequestID == "" {
			return "", nil, false
		}
		return channel.EventLoadingFinished, &channel.LoadingFinished{RequestID: string(ev.RequestID)}, true

	case *network.EventLoadingFailed:
		if ev.RequestID == "" {
			return "", nil, false
		}
		return channel.EventLoadingFailed, &channel.LoadingFailed{
			RequestID: string(ev.RequestID),
			ErrorText: ev.ErrorText,
			Canceled:  ev.Canceled,
		}, true

	case *fetch.EventRequestPaused:
		if ev.RequestID == "" {
			return "", nil, false
		}
		var url, reqMethod string
		if ev.Request != nil {
			url, reqMethod = ev.Request.URL, ev.Request.Method
		}
		// A status code or error reason means the pause is at the response stage.
		if ev.ResponseStatusCode != 0 || ev.ResponseErrorReason != "" {
			return channel.EventBodyAvailable, &channel.BodyAvailable{
				InterceptionID: string(ev.RequestID),
				RequestID:      string(ev.NetworkID),
				URL:            url,
				Status:         int(ev.ResponseStatusCode),
			}, true
		}
		return channel.EventRequestIntercepted, &channel.RequestIntercepted{
			InterceptionID: string(ev.RequestID),
			RequestID:      string(ev.NetworkID),
			URL:            url,
			Method:         reqMethod,
		}, true

	case *page.EventFrameStartedLoading:
		if mainFrameID != "" && string(ev.FrameID) != mainFrameID {
			return "", nil, false
		}
		return channel.EventNavigationStarted, &channel.NavigationStarted{FrameID: string(ev.FrameID)}, true
	}
	return "", nil, false
}

// requestPostData assembles the request body from postDataEntries (base64
// chunks). The bool reports whether the request declares a body at all; a
// declared body without entries is fetched later.
func requestPostData(req *network.Request) (string, bool) {
	if len(req.PostDataEntries) == 0 {
		return "", req.HasPostData
	}
	var b strings.Builder
	for _, entry := range req.PostDataEntries {
		if entry == nil {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			continue
		}
		b.Write(decoded)
	}
	return b.String(), true
}

func headerMapToStringMap(headers network.Headers) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}
