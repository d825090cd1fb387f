package httpx_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soracom-labs/atcore/at"
	"github.com/soracom-labs/atcore/clock"
	"github.com/soracom-labs/atcore/httpx"
	"github.com/soracom-labs/atcore/socket"
	"github.com/soracom-labs/atcore/urc"
)

func TestBuildRequest(t *testing.T) {
	h := http.Header{}
	h.Set("Host", "example.com")
	h.Set("Content-Length", "42")
	h.Set("Connection", "close")

	req := httpx.BuildRequest("POST", "/upload", h)
	s := string(req)
	assert.True(t, len(s) > 0)
	assert.Contains(t, s, "POST /upload HTTP/1.1\r\n")
	assert.Contains(t, s, "Content-Length: 42\r\n")
	assert.Contains(t, s, "Connection: close\r\n")
	assert.Contains(t, s, "Host: example.com\r\n")
	assert.True(t, len(s) >= 4 && s[len(s)-4:] == "\r\n\r\n")
}

type fakeLink struct {
	chunks [][]byte
}

func (f *fakeLink) Write(data []byte) (int, error) { return len(data), nil }

func (f *fakeLink) ReadAvailable() []byte {
	if len(f.chunks) == 0 {
		return nil
	}
	out := f.chunks[0]
	f.chunks = f.chunks[1:]
	return out
}

func (f *fakeLink) HasData() bool { return len(f.chunks) > 0 }

func (f *fakeLink) feed(data string) { f.chunks = append(f.chunks, []byte(data)) }

func TestReadStatusLine(t *testing.T) {
	link := &fakeLink{}
	fc := clock.NewFake(0)
	tr := at.New(link, fc, nil)
	dx := urc.NewDemux()
	sock := socket.New(tr, dx, fc, nil)

	link.feed("\r\n+USOCR: 0\r\nOK\r\n")
	id, err := sock.Create(context.Background())
	require.NoError(t, err)

	link.feed("+UUSORD: 0,15\r\n")
	link.feed("+USORD: 0,15,\"HTTP/1.1 200 OK\"\r\nOK\r\n")

	chunk := httpx.ReadStatusLine(context.Background(), fc, sock, id, time.Second)
	require.NotNil(t, chunk)
	assert.Contains(t, string(chunk), "HTTP/1.1 200")
}

// TestReadStatusLineTimeout drives the deadline entirely off a clock.Fake:
// no Recv ever observes data, so the loop must give up once fc's clock
// crosses the requested timeout rather than spinning or blocking on the
// wall clock.
func TestReadStatusLineTimeout(t *testing.T) {
	link := &fakeLink{}
	fc := clock.NewFake(0)
	tr := at.New(link, fc, nil)
	dx := urc.NewDemux()
	sock := socket.New(tr, dx, fc, nil)

	link.feed("\r\n+USOCR: 0\r\nOK\r\n")
	id, err := sock.Create(context.Background())
	require.NoError(t, err)

	chunk := httpx.ReadStatusLine(context.Background(), fc, sock, id, time.Second)
	assert.Nil(t, chunk)
}
