// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package info_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/soracom-labs/atcore/info"
)

func TestHasPrefix(t *testing.T) {
	l := "cmd: blah"
	assert.True(t, info.HasPrefix(l, "cmd"))
	assert.False(t, info.HasPrefix(l, "cmd:"))
}

func TestTrimPrefix(t *testing.T) {
	// no prefix
	i := info.TrimPrefix("info line", "cmd")
	assert.Equal(t, "info line", i)

	// prefix
	i = info.TrimPrefix("cmd:info line", "cmd")
	assert.Equal(t, "info line", i)

	// prefix and space
	i = info.TrimPrefix("cmd: info line", "cmd")
	assert.Equal(t, "info line", i)
}

func TestDigits(t *testing.T) {
	lines := []string{"AT+CIMI", "440103123456789", "OK"}
	d, ok := info.Digits(lines, 15)
	assert.True(t, ok)
	assert.Equal(t, "440103123456789", d)

	_, ok = info.Digits([]string{"SIM failure", "OK"}, 15)
	assert.False(t, ok)

	// too short counts as no match.
	_, ok = info.Digits([]string{"12345"}, 15)
	assert.False(t, ok)
}

func TestLines(t *testing.T) {
	ls := info.Lines([]byte("a\r\nb\r\nc"))
	assert.Equal(t, []string{"a", "b", "c"}, ls)
}
