package replay

import (
	"encoding/base64"
	"sort"
	"strconv"
	"strings"

	"github.com/dgnsrekt/netreplay/internal/types"
)

// BuildRawResponse renders a stored record as a raw HTTP/1.1 response and
// returns it base64 encoded. The reason phrase is always "OK"; only the
// status code carries meaning.
func BuildRawResponse(rec *types.StoredRequestRecord) string {
	status := rec.Status
	if status == 0 {
		status = 200
	}

	names := make([]string, 0, len(rec.ResponseHeaders))
	for name := range rec.ResponseHeaders {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(status))
	b.WriteString(" OK\r\n")
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(rec.ResponseHeaders[name])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(rec.ResponseBytes())
	return base64.StdEncoding.EncodeToString([]byte(b.String()))
}
