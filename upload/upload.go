// Package upload implements the Upload FSM (C8): a Tick-driven chunked
// file upload over an HTTP POST, with bounded retries at every stage and
// cooldown waits between attempts.
package upload

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/soracom-labs/atcore/atlog"
	"github.com/soracom-labs/atcore/clock"
	"github.com/soracom-labs/atcore/httpx"
	"github.com/soracom-labs/atcore/socket"
)

// State is one of the Upload FSM's eight states.
type State int

const (
	StateIdle State = iota
	StatePrepare
	StateOpen
	StateSending
	StateClosing
	StateDone
	StateAbort
	StateWait
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepare:
		return "prepare"
	case StateOpen:
		return "open"
	case StateSending:
		return "sending"
	case StateClosing:
		return "closing"
	case StateDone:
		return "done"
	case StateAbort:
		return "abort"
	case StateWait:
		return "wait"
	}
	return "unknown"
}

const (
	chunkSize            = 1024
	maxOpenRetries       = 5
	openRetryDelay       = 50 * time.Millisecond
	maxHeaderRetries     = 3
	headerRetryCooldown  = 3 * time.Second
	maxSendRetries       = 20
	waitAfterPrepareFail = 60 * time.Second
	waitAfterAbort       = 300 * time.Second
	closeReadTimeout     = 10 * time.Second
)

// Filesystem is the port the Upload FSM depends on outside the socket and
// clock; cmd/harvestupload wires it to os.
type Filesystem interface {
	Stat(path string) (int64, error)
	Open(path string) (io.ReadCloser, error)
}

// Uploader drives a single file upload, one Tick at a time.
type Uploader struct {
	sock *socket.Socket
	fs   Filesystem
	clk  clock.Clock
	log  atlog.Logger

	host string
	port int
	path string

	state    State
	filename string

	file          io.ReadCloser
	fileSize      int64
	sentBytes     int64
	buf           []byte
	bufOffset     int
	fileExhausted bool
	socketID      int
	lastStatus    []byte

	openRetries   int
	headerRetries int
	sendRetries   int
	retryAt       uint32
	nextTime      uint32
}

// New creates an Uploader that POSTs to path on host:port via sock.
func New(sock *socket.Socket, fs Filesystem, clk clock.Clock, log atlog.Logger, host string, port int, path string) *Uploader {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = atlog.Discard
	}
	return &Uploader{sock: sock, fs: fs, clk: clk, log: log, host: host, port: port, path: path, state: StateIdle}
}

// Start begins an upload of filename; rejected unless the uploader is idle.
func (u *Uploader) Start(filename string) bool {
	if u.state != StateIdle {
		return false
	}
	u.filename = filename
	u.openRetries = 0
	u.headerRetries = 0
	u.sendRetries = 0
	u.state = StatePrepare
	return true
}

// IsBusy reports whether an upload is in progress.
func (u *Uploader) IsBusy() bool { return u.state != StateIdle }

// State exposes the current FSM state for diagnostics and tests.
func (u *Uploader) State() State { return u.state }

// Progress reports bytes sent so far against the total file size.
func (u *Uploader) Progress() (sent, total int64) { return u.sentBytes, u.fileSize }

// Tick advances the FSM by one state action. Callers invoke this
// repeatedly from their own loop; it never blocks indefinitely, though
// individual AT exchanges within OPEN/SENDING may take up to their own
// bounded timeouts.
func (u *Uploader) Tick() {
	switch u.state {
	case StateIdle:
		return
	case StatePrepare:
		u.tickPrepare()
	case StateOpen:
		u.tickOpen()
	case StateSending:
		u.tickSending()
	case StateClosing:
		u.tickClosing()
	case StateDone:
		u.tickDone()
	case StateAbort:
		u.tickAbort()
	case StateWait:
		u.tickWait()
	}
}

func (u *Uploader) paced() bool {
	return u.clk.NowMS() < u.retryAt
}

func (u *Uploader) tickPrepare() {
	if u.paced() {
		return
	}
	size, err := u.fs.Stat(u.filename)
	if err != nil {
		u.prepareRetryOrWait()
		return
	}
	if size <= 0 {
		u.state = StateDone
		return
	}
	f, err := u.fs.Open(u.filename)
	if err != nil {
		u.prepareRetryOrWait()
		return
	}
	u.file = f
	u.fileSize = size
	u.sentBytes = 0
	u.bufOffset = 0
	u.buf = nil
	u.fileExhausted = false
	u.openRetries = 0
	u.state = StateOpen
}

func (u *Uploader) prepareRetryOrWait() {
	u.openRetries++
	if u.openRetries >= maxOpenRetries {
		u.log.Warn("upload: prepare exhausted retries", "file", u.filename)
		u.state = StateWait
		u.nextTime = u.clk.NowMS() + uint32(waitAfterPrepareFail/time.Millisecond)
		return
	}
	u.retryAt = u.clk.NowMS() + uint32(openRetryDelay/time.Millisecond)
}

func (u *Uploader) tickOpen() {
	if u.paced() {
		return
	}
	ctx := context.Background()
	id, err := u.sock.Create(ctx)
	if err != nil {
		u.openFailedRetryOrAbort()
		return
	}
	u.socketID = id
	if err := u.sock.Connect(ctx, id, u.host, u.port); err != nil {
		u.openFailedRetryOrAbort()
		return
	}
	headers := http.Header{}
	headers.Set("Host", u.host)
	headers.Set("Content-Length", strconv.FormatInt(u.fileSize, 10))
	headers.Set("Connection", "close")
	req := httpx.BuildRequest("POST", u.path, headers)
	if _, err := u.sock.Send(ctx, id, req); err != nil {
		u.openFailedRetryOrAbort()
		return
	}
	u.headerRetries = 0
	u.state = StateSending
}

func (u *Uploader) openFailedRetryOrAbort() {
	u.headerRetries++
	if u.headerRetries >= maxHeaderRetries {
		u.log.Warn("upload: header exchange exhausted retries")
		u.state = StateAbort
		return
	}
	u.retryAt = u.clk.NowMS() + uint32(headerRetryCooldown/time.Millisecond)
}

func (u *Uploader) tickSending() {
	ctx := context.Background()
	if u.bufOffset >= len(u.buf) && !u.fileExhausted {
		chunk := make([]byte, chunkSize)
		n, err := u.file.Read(chunk)
		if n > 0 {
			u.buf = chunk[:n]
			u.bufOffset = 0
		} else {
			u.buf = nil
		}
		if err == io.EOF || n == 0 {
			u.fileExhausted = true
		}
	}

	if u.bufOffset < len(u.buf) {
		n, err := u.sock.Send(ctx, u.socketID, u.buf[u.bufOffset:])
		if err != nil {
			u.sendRetries++
			if u.sendRetries >= maxSendRetries {
				u.log.Warn("upload: send exhausted retries")
				u.state = StateAbort
			}
			return
		}
		u.sentBytes += int64(n)
		u.bufOffset = len(u.buf)
		u.sendRetries = 0
	}

	if u.sentBytes >= u.fileSize && u.fileExhausted {
		u.state = StateClosing
	}
}

func (u *Uploader) tickClosing() {
	u.lastStatus = httpx.ReadStatusLine(context.Background(), u.clk, u.sock, u.socketID, closeReadTimeout)
	u.state = StateDone
}

func (u *Uploader) tickDone() {
	if u.file != nil {
		_ = u.file.Close()
		u.file = nil
	}
	_ = u.sock.Close(context.Background(), u.socketID)
	if bytes.HasPrefix(u.lastStatus, []byte("HTTP/1.1 200")) || bytes.HasPrefix(u.lastStatus, []byte("HTTP/1.1 201")) {
		u.log.Info("upload: complete", "file", u.filename, "bytes", u.sentBytes)
	} else {
		u.log.Warn("upload: NG response", "file", u.filename, "status", string(u.lastStatus))
	}
	u.state = StateIdle
}

func (u *Uploader) tickAbort() {
	if u.file != nil {
		_ = u.file.Close()
		u.file = nil
	}
	_ = u.sock.Close(context.Background(), u.socketID)
	u.state = StateWait
	u.nextTime = u.clk.NowMS() + uint32(waitAfterAbort/time.Millisecond)
}

func (u *Uploader) tickWait() {
	if u.clk.NowMS() < u.nextTime {
		return
	}
	u.openRetries = 0
	u.headerRetries = 0
	u.sendRetries = 0
	u.state = StatePrepare
}
