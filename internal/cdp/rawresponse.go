package cdp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/fetch"
)

type rawResponse struct {
	status  int
	headers []*fetch.HeaderEntry
	body    []byte
}

// Headers that describe the original wire encoding. Stored bodies are
// already decoded, so these would make the browser misread them.
var droppedHeaders = map[string]bool{
	"content-length":    true,
	"content-encoding":  true,
	"transfer-encoding": true,
}

// parseRawResponse splits "HTTP/1.1 <code> <phrase>\r\n<headers>\r\n\r\n<body>".
func parseRawResponse(data []byte) (rawResponse, error) {
	head, body, found := bytes.Cut(data, []byte("\r\n\r\n"))
	if !found {
		head, body = data, nil
	}
	lines := strings.Split(string(head), "\r\n")
	fields := strings.Fields(lines[0])
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return rawResponse{}, fmt.Errorf("malformed status line %q", lines[0])
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil || status < 100 || status > 999 {
		return rawResponse{}, fmt.Errorf("malformed status code %q", fields[1])
	}

	resp := rawResponse{status: status, body: body}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" || droppedHeaders[strings.ToLower(name)] {
			continue
		}
		// Multi-value headers arrive newline separated.
		for _, v := range strings.Split(value, "\n") {
			resp.headers = append(resp.headers, &fetch.HeaderEntry{Name: name, Value: strings.TrimSpace(v)})
		}
	}
	if resp.headers == nil {
		resp.headers = []*fetch.HeaderEntry{}
	}
	return resp, nil
}
