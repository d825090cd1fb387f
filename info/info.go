// Package info provides utility functions for manipulating info lines returned
// by the modem in response to AT commands.
package info

import "strings"

// HasPrefix returns true if the line begins with the info prefix for the command.
func HasPrefix(line, cmd string) bool {
	return strings.HasPrefix(line, cmd+":")
}

// TrimPrefix removes the command  prefix, if any, and any intervening space
// from the info line.
func TrimPrefix(line, cmd string) string {
	return strings.TrimLeft(strings.TrimPrefix(line, cmd+":"), " ")
}

// Digits scans lines (as produced by splitting a response on CRLF) and
// returns the first line that consists entirely of digits with length at
// least min, trimmed of surrounding whitespace. Used by IMSI/IMEI
// extraction, where the modem returns the identifier as a bare numeric line.
func Digits(lines []string, min int) (string, bool) {
	for _, l := range lines {
		s := strings.TrimSpace(l)
		if len(s) < min {
			continue
		}
		if isAllDigits(s) {
			return s, true
		}
	}
	return "", false
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Lines splits a raw response buffer on CR+LF, matching the shape the at
// package accumulates responses in.
func Lines(raw []byte) []string {
	return strings.Split(string(raw), "\r\n")
}
