// Package socket implements the Socket Layer (C6): TCP create/connect/
// send/recv/close over the AT Transport, with a bounded partial-write
// retry loop and a local receive buffer fed by the URC Demux.
package socket

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/soracom-labs/atcore/at"
	"github.com/soracom-labs/atcore/atlog"
	"github.com/soracom-labs/atcore/clock"
	"github.com/soracom-labs/atcore/urc"
)

// ErrClosedByPeer is returned by Connect when the modem reports +UUSOCL
// during the AT+USOCO exchange.
var ErrClosedByPeer = errors.New("socket: closed by peer")

// ErrSendFailed is returned by Send when the partial-write retry budget is
// exhausted without dispatching every byte.
var ErrSendFailed = errors.New("socket: send failed")

const (
	maxSendRetries  = 20
	sendZeroBackoff = 100 * time.Millisecond
	sendLessBackoff = 1 * time.Second
	recvWaitTimeout = 3 * time.Second
)

// StepResult mirrors conn.StepResult for the cooperative Connect path.
type StepResult int

const (
	StepPending StepResult = iota
	StepDone
	StepFatal
)

// Socket is one TCP socket over the AT Transport. Only one socket is
// active per instance, matching the single-active-socket constraint.
type Socket struct {
	tr  *at.Transport
	dx  *urc.Demux
	clk clock.Clock
	log atlog.Logger

	id      int
	rx      []byte
	closed  bool
	connSeq int // internal sub-state for ConnectStep
}

// New creates a Socket over tr, registering its +UUSOCL handler on dx.
func New(tr *at.Transport, dx *urc.Demux, clk clock.Clock, log atlog.Logger) *Socket {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = atlog.Discard
	}
	s := &Socket{tr: tr, dx: dx, clk: clk, log: log, id: -1}
	dx.Handle("+UUSOCL:", func(line string) {
		if id, ok := urc.ParseUUSOCL(line); ok && id == s.id {
			s.closed = true
		}
	})
	dx.Handle("+UUSORD:", func(line string) {
		s.fetchPending(context.Background(), line)
	})
	return s
}

// Create allocates a TCP socket handle via AT+USOCR=6.
func (s *Socket) Create(ctx context.Context) (int, error) {
	raw, ok, err := s.tr.SendAT(ctx, "AT+USOCR=6", at.SendOptions{Timeout: 10 * time.Second, ReturnRaw: true})
	if err != nil || !ok {
		return -1, errors.Wrap(err, "socket: create")
	}
	for _, line := range strings.Split(string(raw), "\r\n") {
		if id, ok := urc.ParseUSOCR(line); ok {
			s.id = id
			s.closed = false
			s.rx = nil
			return id, nil
		}
	}
	return -1, errors.New("socket: create: no +USOCR in response")
}

// Connect opens a TCP connection to host:port on socket id, blocking up to
// 15s. It fails if the exchange observes +UUSOCL before OK.
func (s *Socket) Connect(ctx context.Context, id int, host string, port int) error {
	cmd := "AT+USOCO=" + strconv.Itoa(id) + `,"` + host + `",` + strconv.Itoa(port)
	raw, ok, err := s.tr.SendAT(ctx, cmd, at.SendOptions{Timeout: 15 * time.Second, ReturnRaw: true})
	if strings.Contains(string(raw), "+UUSOCL") {
		return ErrClosedByPeer
	}
	if err != nil || !ok {
		return errors.Wrap(err, "socket: connect")
	}
	return nil
}

// ConnectStep is the cooperative counterpart to Connect, used by the
// Upload FSM's non-blocking OPEN state. It detects an early +UUSOCL mid
// wait, per the early-close scenario.
func (s *Socket) ConnectStep(id int, host string, port int) StepResult {
	switch s.connSeq {
	case 0:
		cmd := "AT+USOCO=" + strconv.Itoa(id) + `,"` + host + `",` + strconv.Itoa(port)
		if _, _, err := s.tr.SendAT(context.Background(), cmd, at.SendOptions{Async: true}); err != nil {
			s.log.Warn("socket: write failed", "err", err)
			s.connSeq = 0
			return StepFatal
		}
		s.connSeq = 1
		return StepPending
	case 1:
		status := s.tr.WaitResponseAsync([]byte("OK"), 15*time.Second)
		// An early +UUSOCL pre-empts an otherwise-successful wait: the
		// modem closed the connection before the OK for USOCO arrived.
		if strings.Contains(string(s.tr.PendingRaw()), "+UUSOCL") {
			s.connSeq = 0
			return StepFatal
		}
		switch status {
		case at.AsyncMatched:
			if strings.Contains(string(s.tr.LastResponse()), "+UUSOCL") {
				s.connSeq = 0
				return StepFatal
			}
			s.connSeq = 0
			return StepDone
		case at.AsyncTimedOut:
			s.connSeq = 0
			return StepFatal
		}
	}
	return StepPending
}

// Send writes data to id, looping the AT+USOWR prompt-write exchange until
// every byte is accepted or the retry budget (20 attempts) is exhausted.
// It never returns a positive count smaller than len(data): either all of
// data was written, or it returns -1.
func (s *Socket) Send(ctx context.Context, id int, data []byte) (int, error) {
	sent := 0
	for attempt := 0; attempt < maxSendRetries && sent < len(data); attempt++ {
		remaining := data[sent:]
		cmd := "AT+USOWR=" + strconv.Itoa(id) + "," + strconv.Itoa(len(remaining))
		raw, ok, err := s.tr.SendAT(ctx, cmd, at.SendOptions{
			Timeout:         1 * time.Second,
			ExpectPrompt:    []byte("@"),
			DataAfterPrompt: remaining,
			ReturnRaw:       true,
		})
		if err != nil || !ok {
			s.clk.SleepMS(uint32(sendLessBackoff / time.Millisecond))
			continue
		}
		written := 0
		for _, line := range strings.Split(string(raw), "\r\n") {
			if w, ok := urc.ParseUSOWR(line); ok {
				written = w.Written
				break
			}
		}
		switch {
		case written == 0:
			s.clk.SleepMS(uint32(sendZeroBackoff / time.Millisecond))
		case sent+written < len(data):
			sent += written
			s.clk.SleepMS(uint32(sendLessBackoff / time.Millisecond))
		default:
			sent += written
		}
	}
	if sent < len(data) {
		return -1, ErrSendFailed
	}
	return sent, nil
}

// Recv returns up to size bytes received on id. It first drains the local
// rx buffer; if empty, it waits (bounded) for a +UUSORD URC, issues
// AT+USORD to fetch the payload, and appends it to rx before popping.
func (s *Socket) Recv(ctx context.Context, id int, size int) []byte {
	if len(s.rx) == 0 {
		if _, err := s.tr.WaitResponse(ctx, []byte("+UUSORD:"), recvWaitTimeout, true); err != nil {
			return nil
		}
		s.dx.Scan(s.tr.LastResponse())
	}
	if len(s.rx) == 0 {
		return nil
	}
	n := size
	if n > len(s.rx) {
		n = len(s.rx)
	}
	out := s.rx[:n]
	s.rx = s.rx[n:]
	return out
}

// fetchPending is the +UUSORD handler: for each such URC line it issues
// AT+USORD to fetch the payload and appends the extracted bytes to rx.
func (s *Socket) fetchPending(ctx context.Context, line string) {
	v, ok := urc.ParseUUSORD(line)
	if !ok || v.Length <= 0 {
		return
	}
	cmd := "AT+USORD=" + strconv.Itoa(v.Socket) + "," + strconv.Itoa(v.Length)
	raw, ok2, err := s.tr.SendAT(ctx, cmd, at.SendOptions{Timeout: 3 * time.Second, ReturnRaw: true})
	if err != nil || !ok2 {
		return
	}
	payload, ok3 := urc.ExtractQuoted(raw, "+USORD:")
	if !ok3 {
		return
	}
	s.rx = append(s.rx, payload...)
}

// Close releases socket id via AT+USOCL; idempotent.
func (s *Socket) Close(ctx context.Context, id int) error {
	if s.closed {
		return nil
	}
	_, ok, err := s.tr.SendAT(ctx, "AT+USOCL="+strconv.Itoa(id), at.SendOptions{Timeout: 5 * time.Second})
	s.closed = true
	s.rx = nil
	if err != nil || !ok {
		return errors.Wrap(err, "socket: close")
	}
	return nil
}

// IsClosed reports whether the peer (or a prior Close) has ended the
// connection, as observed via +UUSOCL.
func (s *Socket) IsClosed() bool { return s.closed }
