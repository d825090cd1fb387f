// Package conn implements the Connection FSM (C5): model-specific modem
// registration, PDP context activation, and attach sequencing, driven one
// step at a time by ConnectStep so the caller's tick loop never blocks.
package conn

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/soracom-labs/atcore/at"
	"github.com/soracom-labs/atcore/atlog"
	"github.com/soracom-labs/atcore/clock"
)

// tickInterval paces Connect's drive loop between ConnectStep calls.
const tickInterval = 20 * time.Millisecond

// Model identifies the modem variant, since the R410 and R510 follow
// different registration/attach sequences.
type Model int

const (
	ModelUnknown Model = iota
	ModelR410
	ModelR510
)

func (m Model) String() string {
	switch m {
	case ModelR410:
		return "R410"
	case ModelR510:
		return "R510"
	}
	return "unknown"
}

// StepResult is returned by every ConnectStep call.
type StepResult int

const (
	StepPending StepResult = iota
	StepDone
	StepFatal
)

// ActivityIndicator drives a diagnostic LED (or any hardware indicator) on
// the fatal path. The core stays hardware-agnostic: a noop implementation
// is the default.
type ActivityIndicator interface {
	On()
	Off()
}

type noopIndicator struct{}

func (noopIndicator) On()  {}
func (noopIndicator) Off() {}

// RTC is the port used to program the modem's (or the host's) real-time
// clock once a time has been resolved.
type RTC interface {
	SetDateTime(year, month, day, weekday, hour, min, sec int) error
}

// TimeSource resolves the current time, typically sara.Modem.GetTime.
type TimeSource interface {
	GetTime(ctx context.Context) (time.Time, bool)
}

type state int

const (
	stateIdle state = iota
	stateAtiWait
	stateUmnoprofWait
	stateR410Cfun15Wait
	stateR410Cops2Delay
	stateR410Cops2Wait
	stateR410CgdcontWait
	stateR410Cops0Wait
	stateR510Cfun16Wait
	stateR510Cfun0Delay
	stateR510Cfun0Wait
	stateR510CgdcontWait
	stateR510Cfun1Wait
	stateCeregCheckWait
	stateCgattCheckWait
	stateUpsd0Wait
	stateUpsd100Wait
	stateUpsdaWait
	stateDone
)

// Per-state timeouts, authoritative per the registration sequence table.
const (
	atiTimeout         = 15 * time.Second
	umnoprofTimeout    = 20 * time.Second
	r410Cfun15Timeout  = 60 * time.Second
	r410Cops2Timeout   = 120 * time.Second
	r410Cops2Delay     = 10 * time.Second
	r410CgdcontTimeout = 60 * time.Second
	r410Cops0Timeout   = 20 * time.Second
	r510Cfun16Timeout  = 40 * time.Second
	r510Cfun0Timeout   = 40 * time.Second
	r510Cfun0Delay     = 10 * time.Second
	r510CgdcontTimeout = 20 * time.Second
	r510Cfun1Timeout   = 20 * time.Second
	ceregPollTimeout   = 1200 * time.Millisecond
	cgattTimeout       = 30 * time.Second
	upsdStepTimeout    = 20 * time.Second
)

// FSM is the Connection FSM (C5).
type FSM struct {
	tr        *at.Transport
	clk       clock.Clock
	log       atlog.Logger
	model     Model
	indicator ActivityIndicator

	state      state
	delayUntil uint32

	apn, user, password string
	pdp                 int
}

// New creates an FSM driving tr for the given Model. A nil indicator
// defaults to a no-op.
func New(tr *at.Transport, clk clock.Clock, log atlog.Logger, model Model, indicator ActivityIndicator) *FSM {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = atlog.Discard
	}
	if indicator == nil {
		indicator = noopIndicator{}
	}
	return &FSM{tr: tr, clk: clk, log: log, model: model, indicator: indicator, state: stateIdle}
}

// Model reports the FSM's configured modem variant.
func (f *FSM) Model() Model { return f.model }

// State exposes the current internal state for diagnostics and tests.
func (f *FSM) State() string { return stateNames[f.state] }

var stateNames = map[state]string{
	stateIdle:            "idle",
	stateAtiWait:         "ati_wait",
	stateUmnoprofWait:    "umnoprof_wait",
	stateR410Cfun15Wait:  "r410_cfun15_wait",
	stateR410Cops2Delay:  "r410_cops2_delay",
	stateR410Cops2Wait:   "r410_cops2_wait",
	stateR410CgdcontWait: "r410_cgdcont_wait",
	stateR410Cops0Wait:   "r410_cops0_wait",
	stateR510Cfun16Wait:  "r510_cfun16_wait",
	stateR510Cfun0Delay:  "r510_cfun0_delay",
	stateR510Cfun0Wait:   "r510_cfun0_wait",
	stateR510CgdcontWait: "r510_cgdcont_wait",
	stateR510Cfun1Wait:   "r510_cfun1_wait",
	stateCeregCheckWait:  "cereg_check_wait",
	stateCgattCheckWait:  "cgatt_check_wait",
	stateUpsd0Wait:       "upsd0_wait",
	stateUpsd100Wait:     "upsd100_wait",
	stateUpsdaWait:       "upsda_wait",
	stateDone:            "done",
}

func (f *FSM) sendAsync(cmd string) {
	if _, _, err := f.tr.SendAT(context.Background(), cmd, at.SendOptions{Async: true}); err != nil {
		f.log.Warn("conn: write failed", "cmd", cmd, "err", err)
	}
}

// detectModel parses an ATI response and sets f.model accordingly. An
// unrecognised response leaves the FSM's existing model unchanged (e.g.
// the constructor's initial guess) rather than failing registration.
func (f *FSM) detectModel(resp string) {
	switch {
	case strings.Contains(resp, "R510"):
		f.model = ModelR510
	case strings.Contains(resp, "R410"):
		f.model = ModelR410
	default:
		f.log.Warn("conn: unrecognised ATI response", "resp", resp)
	}
	f.log.Info("conn: detected modem model", "model", f.model.String())
}

func (f *FSM) fatal(reason string) StepResult {
	f.log.Error("conn: registration failed", "state", f.State(), "reason", reason)
	f.indicator.On()
	f.state = stateIdle
	return StepFatal
}

// ConnectStep advances the FSM by at most one AT dispatch or one
// async-wait check, then returns immediately. The caller drives this from
// its own tick loop until it returns StepDone or StepFatal.
func (f *FSM) ConnectStep(apn, user, password string, pdp int) StepResult {
	switch f.state {
	case stateIdle:
		f.apn, f.user, f.password, f.pdp = apn, user, password, pdp
		f.sendAsync("ATI")
		f.state = stateAtiWait
		return StepPending

	case stateAtiWait:
		switch f.tr.WaitResponseAsync([]byte("OK"), atiTimeout) {
		case at.AsyncMatched:
			f.detectModel(string(f.tr.LastResponse()))
			f.sendAsync("AT+UMNOPROF=20")
			f.state = stateUmnoprofWait
		case at.AsyncTimedOut:
			return f.fatal("ATI timeout")
		}
		return StepPending

	case stateUmnoprofWait:
		switch f.tr.WaitResponseAsync([]byte("OK"), umnoprofTimeout) {
		case at.AsyncMatched:
			if f.model == ModelR510 {
				f.sendAsync("AT+CFUN=16")
				f.state = stateR510Cfun16Wait
			} else {
				f.sendAsync("AT+CFUN=15")
				f.state = stateR410Cfun15Wait
			}
		case at.AsyncTimedOut:
			return f.fatal("UMNOPROF timeout")
		}
		return StepPending

	// ---- R410 branch ----

	case stateR410Cfun15Wait:
		switch f.tr.WaitResponseAsync([]byte("OK"), r410Cfun15Timeout) {
		case at.AsyncMatched:
			f.delayUntil = f.clk.NowMS() + uint32(r410Cops2Delay/time.Millisecond)
			f.state = stateR410Cops2Delay
		case at.AsyncTimedOut:
			return f.fatal("CFUN=15 timeout")
		}
		return StepPending

	case stateR410Cops2Delay:
		if f.clk.NowMS() < f.delayUntil {
			return StepPending
		}
		f.sendAsync("AT+COPS=2")
		f.state = stateR410Cops2Wait
		return StepPending

	case stateR410Cops2Wait:
		switch f.tr.WaitResponseAsync([]byte("OK"), r410Cops2Timeout) {
		case at.AsyncMatched:
			cmd := `AT+CGDCONT=` + strconv.Itoa(f.pdp) + `,"IP","` + f.apn + `"`
			f.sendAsync(cmd)
			f.state = stateR410CgdcontWait
		case at.AsyncTimedOut:
			// Loops back to the send state rather than failing fatally.
			f.sendAsync("AT+COPS=2")
		}
		return StepPending

	case stateR410CgdcontWait:
		switch f.tr.WaitResponseAsync([]byte("OK"), r410CgdcontTimeout) {
		case at.AsyncMatched:
			cmd := `AT+UAUTHREQ=` + strconv.Itoa(f.pdp) + `,1,"` + f.user + `","` + f.password + `"`
			f.tr.SendATRetry(context.Background(), cmd, 10*time.Second, 1, 0)
			f.sendAsync("AT+COPS=0")
			f.state = stateR410Cops0Wait
		case at.AsyncTimedOut:
			return f.fatal("CGDCONT timeout")
		}
		return StepPending

	case stateR410Cops0Wait:
		switch f.tr.WaitResponseAsync([]byte("OK"), r410Cops0Timeout) {
		case at.AsyncMatched:
			f.sendAsync("AT+CEREG?")
			f.state = stateCeregCheckWait
		case at.AsyncTimedOut:
			return f.fatal("final COPS=0 timeout")
		}
		return StepPending

	// ---- R510 branch ----

	case stateR510Cfun16Wait:
		switch f.tr.WaitResponseAsync([]byte("OK"), r510Cfun16Timeout) {
		case at.AsyncMatched:
			f.delayUntil = f.clk.NowMS() + uint32(r510Cfun0Delay/time.Millisecond)
			f.state = stateR510Cfun0Delay
		case at.AsyncTimedOut:
			return f.fatal("CFUN=16 timeout")
		}
		return StepPending

	case stateR510Cfun0Delay:
		if f.clk.NowMS() < f.delayUntil {
			return StepPending
		}
		f.sendAsync("AT+CFUN=0")
		f.state = stateR510Cfun0Wait
		return StepPending

	case stateR510Cfun0Wait:
		switch f.tr.WaitResponseAsync([]byte("OK"), r510Cfun0Timeout) {
		case at.AsyncMatched:
			cmd := `AT+CGDCONT=` + strconv.Itoa(f.pdp) + `,"IPV4V6","` + f.apn + `"`
			f.sendAsync(cmd)
			f.state = stateR510CgdcontWait
		case at.AsyncTimedOut:
			return f.fatal("CFUN=0 timeout")
		}
		return StepPending

	case stateR510CgdcontWait:
		switch f.tr.WaitResponseAsync([]byte("OK"), r510CgdcontTimeout) {
		case at.AsyncMatched:
			f.sendAsync("AT+CFUN=1")
			f.state = stateR510Cfun1Wait
		case at.AsyncTimedOut:
			return f.fatal("CGDCONT timeout")
		}
		return StepPending

	case stateR510Cfun1Wait:
		switch f.tr.WaitResponseAsync([]byte("OK"), r510Cfun1Timeout) {
		case at.AsyncMatched:
			f.sendAsync("AT+CEREG?")
			f.state = stateCeregCheckWait
		case at.AsyncTimedOut:
			return f.fatal("CFUN=1 timeout")
		}
		return StepPending

	// ---- common tail ----

	case stateCeregCheckWait:
		switch f.tr.WaitResponseAsync([]byte("+CEREG:"), ceregPollTimeout) {
		case at.AsyncMatched:
			resp := string(f.tr.LastResponse())
			if strings.Contains(resp, "+CEREG: 0,1") || strings.Contains(resp, "+CEREG: 0,5") {
				f.sendAsync("AT+CGATT?")
				f.state = stateCgattCheckWait
			} else {
				f.sendAsync("AT+CEREG?")
			}
		case at.AsyncTimedOut:
			f.sendAsync("AT+CEREG?")
		}
		return StepPending

	case stateCgattCheckWait:
		switch f.tr.WaitResponseAsync([]byte("+CGATT:"), cgattTimeout) {
		case at.AsyncMatched:
			resp := string(f.tr.LastResponse())
			if strings.Contains(resp, "+CGATT: 1") {
				if f.model == ModelR510 {
					f.sendAsync("AT+UPSD=0,0,0")
					f.state = stateUpsd0Wait
				} else {
					f.state = stateDone
				}
			} else {
				f.sendAsync("AT+CGATT?")
			}
		case at.AsyncTimedOut:
			// Loops back to the send state rather than failing fatally,
			// matching cereg_check_wait.
			f.sendAsync("AT+CGATT?")
		}
		return StepPending

	case stateUpsd0Wait:
		switch f.tr.WaitResponseAsync([]byte("OK"), upsdStepTimeout) {
		case at.AsyncMatched:
			f.sendAsync("AT+UPSD=0,100,1")
			f.state = stateUpsd100Wait
		case at.AsyncTimedOut:
			return f.fatal("UPSD=0,0 timeout")
		}
		return StepPending

	case stateUpsd100Wait:
		switch f.tr.WaitResponseAsync([]byte("OK"), upsdStepTimeout) {
		case at.AsyncMatched:
			f.sendAsync("AT+UPSDA=0,3")
			f.state = stateUpsdaWait
		case at.AsyncTimedOut:
			return f.fatal("UPSD=0,100 timeout")
		}
		return StepPending

	case stateUpsdaWait:
		switch f.tr.WaitResponseAsync([]byte("OK"), upsdStepTimeout) {
		case at.AsyncMatched:
			f.state = stateDone
		case at.AsyncTimedOut:
			return f.fatal("UPSDA timeout")
		}
		return StepPending

	case stateDone:
		f.state = stateIdle
		return StepDone
	}

	return f.fatal("unknown state")
}

// Connect drives ConnectStep to completion (StepDone/StepFatal) or until
// ctx is cancelled, sleeping on f.clk between steps.
func (f *FSM) Connect(ctx context.Context, apn, user, password string, pdp int) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		switch f.ConnectStep(apn, user, password, pdp) {
		case StepDone:
			return true
		case StepFatal:
			return false
		}
		f.clk.SleepMS(uint32(tickInterval / time.Millisecond))
	}
}

// InitRTC resolves the current time via ts (up to 5 attempts) and programs
// it through rtc.SetDateTime.
func (f *FSM) InitRTC(ctx context.Context, ts TimeSource, rtc RTC) bool {
	for attempt := 0; attempt < 5; attempt++ {
		now, ok := ts.GetTime(ctx)
		if ok {
			wd := int(now.Weekday())
			if err := rtc.SetDateTime(now.Year(), int(now.Month()), now.Day(), wd, now.Hour(), now.Minute(), now.Second()); err != nil {
				f.log.Warn("conn: RTC program failed", "err", err)
				return false
			}
			return true
		}
		f.clk.SleepMS(200)
	}
	return false
}

