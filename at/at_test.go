package at

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soracom-labs/atcore/clock"
)

func TestSendATSuccess(t *testing.T) {
	link := &fakeLink{}
	link.feed("OK\r\n")
	tr := New(link, clock.NewFake(0), nil)

	raw, ok, err := tr.SendAT(context.Background(), "AT", SendOptions{Timeout: time.Second, ReturnRaw: true})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, string(raw), "OK")
	require.Len(t, link.writes, 1)
	assert.Equal(t, "AT\r\n", string(link.writes[0]))
}

func TestSendATGenericError(t *testing.T) {
	link := &fakeLink{}
	link.feed("ERROR\r\n")
	tr := New(link, clock.NewFake(0), nil)

	_, ok, err := tr.SendAT(context.Background(), "AT+BOGUS", SendOptions{Timeout: time.Second})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrGeneric)
}

func TestSendATCMEError(t *testing.T) {
	link := &fakeLink{}
	link.feed("+CME ERROR: 10\r\n")
	tr := New(link, clock.NewFake(0), nil)

	_, ok, err := tr.SendAT(context.Background(), "AT+CPIN?", SendOptions{Timeout: time.Second})
	assert.False(t, ok)
	var cme CMEError
	require.ErrorAs(t, err, &cme)
	assert.Equal(t, CMEError("10"), cme)
}

func TestSendATTimeout(t *testing.T) {
	link := &fakeLink{}
	fc := clock.NewFake(0)
	tr := New(link, fc, nil)

	_, ok, err := tr.SendAT(context.Background(), "AT", SendOptions{Timeout: 100 * time.Millisecond})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestSendATPromptWrite(t *testing.T) {
	link := &fakeLink{}
	// The prompt arrives in its own chunk; the write-completion response
	// arrives in a second chunk, as it would from a real UART once the
	// payload has been accepted.
	link.feed("@")
	link.feed("\r\n+USOWR: 0,5\r\nOK\r\n")
	tr := New(link, clock.NewFake(0), nil)

	raw, ok, err := tr.SendAT(context.Background(), "AT+USOWR=0,5", SendOptions{
		Timeout:         time.Second,
		ExpectPrompt:    []byte("@"),
		DataAfterPrompt: []byte("hello"),
		ReturnRaw:       true,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, string(raw), "+USOWR: 0,5")
	require.Len(t, link.writes, 2)
	assert.Equal(t, "hello", string(link.writes[1]))
}

func TestSendATRetry(t *testing.T) {
	link := &fakeLink{}
	fc := clock.NewFake(0)
	tr := New(link, fc, nil)

	// No data is ever fed, so every attempt times out; SendATRetry should
	// give up after the requested number of retries without hanging.
	ok := tr.SendATRetry(context.Background(), "AT", 10*time.Millisecond, 3, time.Millisecond)
	assert.False(t, ok)
	assert.Len(t, link.writes, 3)
}

func TestWaitResponseAsyncPendingThenMatch(t *testing.T) {
	link := &fakeLink{}
	fc := clock.NewFake(0)
	tr := New(link, fc, nil)

	status := tr.WaitResponseAsync([]byte("OK"), 2*time.Second)
	assert.Equal(t, AsyncPending, status)

	link.feed("OK\r\n")
	status = tr.WaitResponseAsync([]byte("OK"), 2*time.Second)
	assert.Equal(t, AsyncMatched, status)
	assert.Contains(t, string(tr.LastResponse()), "OK")
}

func TestWaitResponseAsyncTimeout(t *testing.T) {
	link := &fakeLink{}
	fc := clock.NewFake(0)
	tr := New(link, fc, nil)

	status := tr.WaitResponseAsync([]byte("OK"), time.Second)
	assert.Equal(t, AsyncPending, status)

	fc.Advance(1100)
	status = tr.WaitResponseAsync([]byte("OK"), time.Second)
	assert.Equal(t, AsyncTimedOut, status)

	// A subsequent call starts a brand new wait.
	status = tr.WaitResponseAsync([]byte("OK"), time.Second)
	assert.Equal(t, AsyncPending, status)
}

func TestPendingRaw(t *testing.T) {
	link := &fakeLink{}
	fc := clock.NewFake(0)
	tr := New(link, fc, nil)

	assert.Nil(t, tr.PendingRaw())

	status := tr.WaitResponseAsync([]byte("OK"), 2*time.Second)
	assert.Equal(t, AsyncPending, status)

	link.feed("+UUSOCL: 0\r\n")
	status = tr.WaitResponseAsync([]byte("OK"), 2*time.Second)
	assert.Equal(t, AsyncPending, status)
	assert.Contains(t, string(tr.PendingRaw()), "+UUSOCL")

	link.feed("OK\r\n")
	status = tr.WaitResponseAsync([]byte("OK"), 2*time.Second)
	assert.Equal(t, AsyncMatched, status)
	assert.Nil(t, tr.PendingRaw())
}
