// Package sara provides the Info Queries (C4) and ties the AT Transport
// and Connection FSM together behind one Modem type decorating a single
// AT transport.
package sara

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/soracom-labs/atcore/at"
	"github.com/soracom-labs/atcore/atlog"
	"github.com/soracom-labs/atcore/clock"
	"github.com/soracom-labs/atcore/conn"
	"github.com/soracom-labs/atcore/info"
)

// Sentinel identifier strings returned when a query cannot resolve a real
// value, matching the modem firmware's own reporting conventions.
const (
	SIMFail     = "SIM_FAIL"
	UnknownIMSI = "UNKNOWN_IMSI"
	IMEIUnknown = "IMEI_UNKNOWN"
)

// TimeOffset returns the hour offset to add to the modem's reported local
// time for model m. Only R410 requires a JST (+9h) correction; other
// models (and regions) can override this by constructing a Modem with
// WithTimeOffset.
func TimeOffset(m conn.Model) int {
	if m == conn.ModelR410 {
		return 9
	}
	return 0
}

// Modem decorates an at.Transport with the higher-level info queries and
// owns the Connection FSM for the configured model.
type Modem struct {
	*at.Transport
	FSM *conn.FSM

	clk        clock.Clock
	log        atlog.Logger
	model      conn.Model
	timeOffset int
}

// Option configures a Modem at construction time.
type Option func(*Modem)

// WithTimeOffset overrides the default per-model time offset (hours).
func WithTimeOffset(hours int) Option {
	return func(m *Modem) { m.timeOffset = hours }
}

// New creates a Modem over tr for the given model, with its own
// Connection FSM.
func New(tr *at.Transport, clk clock.Clock, log atlog.Logger, model conn.Model, indicator conn.ActivityIndicator, opts ...Option) *Modem {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = atlog.Discard
	}
	m := &Modem{
		Transport:  tr,
		FSM:        conn.New(tr, clk, log, model, indicator),
		clk:        clk,
		log:        log,
		model:      model,
		timeOffset: TimeOffset(model),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetIMSI queries AT+CIMI, making up to 2 attempts. It returns SIMFail if
// the modem reports "SIM failure" (even alongside an ERROR result), or
// UnknownIMSI once the attempts are exhausted.
func (m *Modem) GetIMSI(ctx context.Context) string {
	const retries = 2
	for attempt := 0; attempt < retries; attempt++ {
		raw, ok, err := m.SendAT(ctx, "AT+CIMI", at.SendOptions{Timeout: 3 * time.Second, ReturnRaw: true})
		lines := info.Lines(raw)
		if err == nil && ok {
			if d, found := info.Digits(lines, 15); found {
				return d
			}
		}
		for _, l := range lines {
			if strings.Contains(l, "SIM failure") {
				m.log.Warn("sara: SIM failure detected")
				return SIMFail
			}
		}
		m.clk.SleepMS(1000)
	}
	return UnknownIMSI
}

// GetIMEI queries AT+CGSN, making up to 3 attempts, returning IMEIUnknown
// on exhaustion.
func (m *Modem) GetIMEI(ctx context.Context) string {
	const retries = 3
	for attempt := 0; attempt < retries; attempt++ {
		raw, ok, err := m.SendAT(ctx, "AT+CGSN", at.SendOptions{Timeout: 3 * time.Second, ReturnRaw: true})
		if err == nil && ok {
			if d, found := info.Digits(info.Lines(raw), 14); found {
				return d
			}
		}
		m.clk.SleepMS(1000)
	}
	return IMEIUnknown
}

// GetSignalStrength queries AT+CSQ and returns the parsed RSSI value.
func (m *Modem) GetSignalStrength(ctx context.Context) (int, bool) {
	raw, ok, err := m.SendAT(ctx, "AT+CSQ", at.SendOptions{Timeout: 3 * time.Second, ReturnRaw: true})
	if err != nil || !ok {
		return 0, false
	}
	for _, line := range info.Lines(raw) {
		if !info.HasPrefix(line, "+CSQ") {
			continue
		}
		fields := strings.Split(info.TrimPrefix(line, "+CSQ"), ",")
		if len(fields) == 0 {
			continue
		}
		rssi, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		return rssi, true
	}
	return 0, false
}

// GetTime queries AT+CCLK? and parses the "yy/MM/dd,HH:mm:ss±zz" response,
// applying the model's TimeOffset before returning.
func (m *Modem) GetTime(ctx context.Context) (time.Time, bool) {
	raw, ok, err := m.SendAT(ctx, "AT+CCLK?", at.SendOptions{Timeout: 3 * time.Second, ReturnRaw: true})
	if err != nil || !ok {
		return time.Time{}, false
	}
	for _, line := range info.Lines(raw) {
		if !info.HasPrefix(line, "+CCLK") {
			continue
		}
		start := strings.IndexByte(line, '"')
		end := strings.LastIndexByte(line, '"')
		if start < 0 || end <= start {
			continue
		}
		t, ok2 := parseCCLK(line[start+1:end], m.timeOffset)
		if !ok2 {
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

// parseCCLK parses "yy/MM/dd,HH:mm:ss±zz" and applies offsetHours.
func parseCCLK(s string, offsetHours int) (time.Time, bool) {
	datePart, timePart, found := strings.Cut(s, ",")
	if !found {
		return time.Time{}, false
	}
	dateFields := strings.Split(datePart, "/")
	if len(dateFields) != 3 {
		return time.Time{}, false
	}
	y, err1 := strconv.Atoi(dateFields[0])
	mo, err2 := strconv.Atoi(dateFields[1])
	d, err3 := strconv.Atoi(dateFields[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}

	timePart = strings.FieldsFunc(timePart, func(r rune) bool { return r == '+' || r == '-' })[0]
	timeFields := strings.Split(timePart, ":")
	if len(timeFields) != 3 {
		return time.Time{}, false
	}
	h, err4 := strconv.Atoi(timeFields[0])
	mi, err5 := strconv.Atoi(timeFields[1])
	sec, err6 := strconv.Atoi(timeFields[2])
	if err4 != nil || err5 != nil || err6 != nil {
		return time.Time{}, false
	}

	t := time.Date(2000+y, time.Month(mo), d, h, mi, sec, 0, time.UTC)
	return t.Add(time.Duration(offsetHours) * time.Hour), true
}
