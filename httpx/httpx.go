// Package httpx implements the HTTP Header Builder (C7): assembling a
// fixed HTTP/1.1 request line and headers for streaming over a socket.Socket,
// and a minimal status-line reader. A full net/http client or server is out
// of scope; this is pure request-line/header formatting plus a
// first-chunk-wins status read.
package httpx

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/soracom-labs/atcore/clock"
	"github.com/soracom-labs/atcore/socket"
)

// BuildRequest assembles "METHOD path HTTP/1.1\r\n" followed by headers
// (via net/http.Header's own canonicalizing Write) and the terminating
// blank line. The body, if any, is streamed separately via socket.Send.
func BuildRequest(method, path string, headers http.Header) []byte {
	var buf bytes.Buffer
	buf.WriteString(method)
	buf.WriteByte(' ')
	buf.WriteString(path)
	buf.WriteString(" HTTP/1.1\r\n")
	_ = headers.Write(&buf)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// ReadStatusLine polls sock's receive path for up to timeout and returns
// the first non-empty chunk observed. This is deliberately not a full
// response parser: it exists only to let callers inspect the status line
// ("HTTP/1.1 200 ...") before deciding success/failure, matching the
// original intentional first-chunk-wins read. clk times the deadline so
// the wait is driven by the same port as the rest of the core, rather than
// the wall clock.
func ReadStatusLine(ctx context.Context, clk clock.Clock, sock *socket.Socket, id int, timeout time.Duration) []byte {
	deadline := clk.NowMS() + uint32(timeout/time.Millisecond)
	for clk.NowMS() < deadline {
		if chunk := sock.Recv(ctx, id, 256); len(chunk) > 0 {
			return chunk
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
	return nil
}
