package at

import (
	"strings"

	"github.com/pkg/errors"
)

// CMEError indicates a +CME ERROR was returned by the modem. The value is
// the error code or text, depending on modem configuration (AT+CMEE).
type CMEError string

// CMSError indicates a +CMS ERROR was returned by the modem.
type CMSError string

func (e CMEError) Error() string { return "+CME ERROR: " + string(e) }
func (e CMSError) Error() string { return "+CMS ERROR: " + string(e) }

var (
	// ErrTimeout indicates the expected terminator was not observed within
	// the command's timeout window.
	ErrTimeout = errors.New("at: timeout waiting for response")

	// ErrGeneric indicates the modem returned a bare ERROR.
	ErrGeneric = errors.New("at: ERROR")

	// ErrNoResponse indicates the link produced nothing at all before the
	// timeout elapsed.
	ErrNoResponse = errors.New("at: no response")

	// ErrParse indicates a well-formed terminator was seen but the payload
	// did not match its documented shape.
	ErrParse = errors.New("at: malformed response")
)

// classifyError inspects an accumulated response buffer and returns the
// error corresponding to the first recognised error marker, or nil if none
// is present. It scans a whole accumulated buffer rather than a single
// line since WaitResponse accumulates across reads.
func classifyError(buf []byte) error {
	s := string(buf)
	if idx := strings.Index(s, "+CME ERROR:"); idx >= 0 {
		return CMEError(strings.TrimSpace(lineAt(s, idx+len("+CME ERROR:"))))
	}
	if idx := strings.Index(s, "+CMS ERROR:"); idx >= 0 {
		return CMSError(strings.TrimSpace(lineAt(s, idx+len("+CMS ERROR:"))))
	}
	if strings.Contains(s, "ERROR") {
		return ErrGeneric
	}
	return nil
}

// lineAt returns the substring of s starting at idx up to (but not
// including) the next CR or LF, or the end of s.
func lineAt(s string, idx int) string {
	if idx >= len(s) {
		return ""
	}
	rest := s[idx:]
	if end := strings.IndexAny(rest, "\r\n"); end >= 0 {
		return rest[:end]
	}
	return rest
}
