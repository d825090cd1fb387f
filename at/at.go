// Package at provides the AT-command transport (C2): framing request/
// response pairs over a full-duplex link, with synchronous and cooperative
// (non-blocking) wait modes and prompt-and-payload writes.
//
// Transport is single-threaded: every exported method is called from the
// caller's own tick loop, and no method here spawns a goroutine or blocks
// indefinitely. SendAT and WaitResponse poll the Link in a bounded loop;
// WaitResponseAsync is the cooperative counterpart used by state machines
// that must not block at all.
package at

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/soracom-labs/atcore/atlog"
	"github.com/soracom-labs/atcore/clock"
)

// Link is the UART Link port (C1). Implementations must never block
// indefinitely on Write or ReadAvailable.
type Link interface {
	Write(data []byte) (int, error)
	ReadAvailable() []byte
	HasData() bool
}

// pollInterval is the spacing between UART polls inside WaitResponse,
// matching the embedded source's 20ms poll loop.
const pollInterval = 20 * time.Millisecond

// SendOptions configures a single AT exchange.
type SendOptions struct {
	// Timeout bounds both the prompt wait (if any) and the final OK wait.
	Timeout time.Duration
	// ExpectPrompt, if non-empty, is awaited before DataAfterPrompt is
	// written (the prompt-write protocol used by AT+USOWR).
	ExpectPrompt []byte
	// DataAfterPrompt is written verbatim, in one call to Link.Write, once
	// ExpectPrompt is observed.
	DataAfterPrompt []byte
	// Async, if true, makes SendAT return immediately after writing the
	// command line without waiting for any response.
	Async bool
	// ReturnRaw, if true, makes SendAT return the accumulated response
	// bytes instead of only a boolean.
	ReturnRaw bool
}

// AsyncStatus is the tri-state result of WaitResponseAsync.
type AsyncStatus int

const (
	// AsyncPending indicates the expected substring has not yet appeared
	// and the timeout has not yet elapsed; call again later.
	AsyncPending AsyncStatus = iota
	// AsyncMatched indicates the expected substring was observed.
	AsyncMatched
	// AsyncTimedOut indicates the timeout elapsed before a match.
	AsyncTimedOut
)

// asyncWait records the state of an in-progress WaitResponseAsync call,
// directly modelled on the embedded source's self._wait_state dict.
type asyncWait struct {
	expected []byte
	deadline uint32
	buf      []byte
}

// Transport is the AT Transport (C2).
type Transport struct {
	link Link
	clk  clock.Clock
	log  atlog.Logger

	lastResponse []byte
	pending      *asyncWait
}

// New creates a Transport over link, using clk for all timing and log for
// diagnostics. A nil clk defaults to clock.System{}; a nil log discards
// output.
func New(link Link, clk clock.Clock, log atlog.Logger) *Transport {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = atlog.Discard
	}
	return &Transport{link: link, clk: clk, log: log}
}

// LastResponse returns the raw bytes accumulated by the most recently
// completed WaitResponse/WaitResponseAsync call.
func (t *Transport) LastResponse() []byte {
	return t.lastResponse
}

// PendingRaw returns the bytes accumulated so far by an in-progress
// WaitResponseAsync wait, or nil if none is outstanding. Callers use this
// to react to a condition (e.g. an early +UUSOCL) that pre-empts the
// expected match without waiting for the full timeout.
func (t *Transport) PendingRaw() []byte {
	if t.pending == nil {
		return nil
	}
	return t.pending.buf
}

// SendAT does not add an "AT" prefix: cmd already includes it. This keeps
// the transport agnostic of any particular command dictionary.
func (t *Transport) SendAT(ctx context.Context, cmd string, opts SendOptions) ([]byte, bool, error) {
	if _, err := t.link.Write([]byte(cmd + "\r\n")); err != nil {
		return nil, false, errors.Wrap(err, "at: write command")
	}
	t.log.Debug2("send", "cmd", cmd)

	if opts.Async {
		return nil, true, nil
	}

	if len(opts.ExpectPrompt) > 0 {
		raw, err := t.WaitResponse(ctx, opts.ExpectPrompt, opts.Timeout, true)
		if err != nil {
			t.log.Warn("prompt wait failed", "cmd", cmd, "err", err)
			return nil, false, err
		}
		if len(opts.DataAfterPrompt) > 0 {
			if _, err := t.link.Write(opts.DataAfterPrompt); err != nil {
				return nil, false, errors.Wrap(err, "at: write prompt payload")
			}
			t.log.Debug2("send-data", "bytes", len(opts.DataAfterPrompt))
		} else {
			if opts.ReturnRaw {
				return raw, true, nil
			}
			return nil, true, nil
		}
	}

	raw, err := t.WaitResponse(ctx, []byte("OK"), opts.Timeout, true)
	if err != nil {
		if opts.ReturnRaw {
			return raw, false, err
		}
		return nil, false, err
	}
	if opts.ReturnRaw {
		return raw, true, nil
	}
	return nil, true, nil
}

// SendATRetry wraps SendAT with bounded linear retries, matching the
// embedded source's send_at_retry.
func (t *Transport) SendATRetry(ctx context.Context, cmd string, timeout time.Duration, retries int, retryDelay time.Duration) bool {
	for attempt := 1; attempt <= retries; attempt++ {
		_, ok, err := t.SendAT(ctx, cmd, SendOptions{Timeout: timeout})
		if err == nil && ok {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if attempt < retries {
			t.clk.SleepMS(uint32(retryDelay / time.Millisecond))
		}
	}
	return false
}

// WaitResponse synchronously accumulates bytes from the Link, polling every
// pollInterval, until expected appears in the accumulator, an error marker
// (ERROR/+CME ERROR/+CMS ERROR) appears, the timeout elapses, or ctx is
// done. It is the only blocking wait in the transport; everything else is
// either async (WaitResponseAsync) or composed from this.
func (t *Transport) WaitResponse(ctx context.Context, expected []byte, timeout time.Duration, returnFull bool) ([]byte, error) {
	start := t.clk.NowMS()
	var buf []byte
	t.lastResponse = nil

	for {
		if data := t.link.ReadAvailable(); len(data) > 0 {
			buf = append(buf, data...)
			t.lastResponse = buf

			// Error markers take priority over a pending match: the
			// modem reporting ERROR/+CME ERROR/+CMS ERROR ends the
			// exchange even if, by coincidence, the expected substring
			// is also present later in the same buffer.
			if err := classifyError(buf); err != nil {
				return ret(buf, returnFull), err
			}
			if bytes.Contains(buf, expected) {
				return ret(buf, returnFull), nil
			}
		}

		if ctx != nil {
			select {
			case <-ctx.Done():
				return ret(buf, returnFull), ctx.Err()
			default:
			}
		}

		if clock.ElapsedMS(t.clk.NowMS(), start) >= uint32(timeout/time.Millisecond) {
			if len(buf) == 0 {
				return nil, ErrNoResponse
			}
			return ret(buf, returnFull), ErrTimeout
		}
		t.clk.SleepMS(uint32(pollInterval / time.Millisecond))
	}
}

func ret(buf []byte, returnFull bool) []byte {
	if !returnFull {
		return nil
	}
	return buf
}

// WaitResponseAsync is the cooperative counterpart to WaitResponse. The
// first call in a sequence starts tracking expected/timeout; each
// subsequent call drains whatever is newly available on the Link and
// returns AsyncPending, AsyncMatched, or AsyncTimedOut. State is cleared on
// any non-pending result, so the next call starts a fresh wait.
func (t *Transport) WaitResponseAsync(expected []byte, timeout time.Duration) AsyncStatus {
	now := t.clk.NowMS()

	if t.pending == nil {
		t.pending = &asyncWait{
			expected: expected,
			deadline: now + uint32(timeout/time.Millisecond),
		}
	}

	st := t.pending
	if data := t.link.ReadAvailable(); len(data) > 0 {
		st.buf = append(st.buf, data...)
	}

	// Unlike WaitResponse, the async variant does not short-circuit on an
	// ERROR marker: it only reports match-or-timeout, and callers (e.g.
	// the connection FSM, socket.ConnectStep) inspect LastResponse
	// themselves for markers like +UUSOCL that must pre-empt an otherwise-
	// successful wait.
	if bytes.Contains(st.buf, st.expected) {
		t.lastResponse = st.buf
		t.log.Debug2("recv", "data", fmt.Sprintf("%q", st.buf))
		t.pending = nil
		return AsyncMatched
	}

	if now >= st.deadline {
		t.lastResponse = st.buf
		t.pending = nil
		return AsyncTimedOut
	}

	return AsyncPending
}
