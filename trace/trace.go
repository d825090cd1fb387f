// Package trace provides a decorator for an at.Link that logs all reads
// and writes at the Debug2 level, used by cmd/harvestupload when its log
// level is debug2 (or trace) to dump the raw UART conversation.
package trace

import (
	"fmt"

	"github.com/soracom-labs/atcore/atlog"
)

// link is the subset of at.Link that Trace decorates. Declared locally so
// this package does not need to import at, keeping the dependency
// direction the same as the rest of the ambient stack.
type link interface {
	Write(data []byte) (int, error)
	ReadAvailable() []byte
	HasData() bool
}

// Trace wraps a Link, logging every read and write through an
// atlog.Logger.
type Trace struct {
	link link
	log  atlog.Logger
	wfmt string
	rfmt string
}

// Option modifies a Trace created by New.
type Option func(*Trace)

// New creates a Trace over l, logging through log. A nil log discards
// output.
func New(l link, log atlog.Logger, opts ...Option) *Trace {
	if log == nil {
		log = atlog.Discard
	}
	t := &Trace{link: l, log: log, wfmt: "w: %s", rfmt: "r: %s"}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ReadFormat sets the format used for read logs.
func ReadFormat(format string) Option {
	return func(t *Trace) { t.rfmt = format }
}

// WriteFormat sets the format used for write logs.
func WriteFormat(format string) Option {
	return func(t *Trace) { t.wfmt = format }
}

func (t *Trace) Write(data []byte) (int, error) {
	n, err := t.link.Write(data)
	if n > 0 {
		t.log.Debug2(fmt.Sprintf(t.wfmt, data[:n]))
	}
	return n, err
}

func (t *Trace) ReadAvailable() []byte {
	data := t.link.ReadAvailable()
	if len(data) > 0 {
		t.log.Debug2(fmt.Sprintf(t.rfmt, data))
	}
	return data
}

func (t *Trace) HasData() bool { return t.link.HasData() }
