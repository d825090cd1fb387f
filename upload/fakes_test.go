package upload_test

import (
	"bytes"
	"io"
	"os"
)

// fakeFS is a Filesystem test double whose Stat/Open behavior for each
// path is scripted in advance.
type fakeFS struct {
	sizes    map[string]int64
	statErrs map[string]error
	openErrs map[string]error
	content  map[string][]byte
	opens    int
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		sizes:    map[string]int64{},
		statErrs: map[string]error{},
		openErrs: map[string]error{},
		content:  map[string][]byte{},
	}
}

func (f *fakeFS) Stat(path string) (int64, error) {
	if err, ok := f.statErrs[path]; ok {
		return 0, err
	}
	return f.sizes[path], nil
}

func (f *fakeFS) Open(path string) (io.ReadCloser, error) {
	f.opens++
	if err, ok := f.openErrs[path]; ok {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(f.content[path])), nil
}

var errNotFound = &os.PathError{Op: "open", Path: "missing", Err: os.ErrNotExist}

// fakeLink is an in-memory at.Link queueing one response chunk per
// ReadAvailable call.
type fakeLink struct {
	writes [][]byte
	chunks [][]byte
}

func (f *fakeLink) Write(data []byte) (int, error) {
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, cp)
	return len(data), nil
}

func (f *fakeLink) ReadAvailable() []byte {
	if len(f.chunks) == 0 {
		return nil
	}
	out := f.chunks[0]
	f.chunks = f.chunks[1:]
	return out
}

func (f *fakeLink) HasData() bool { return len(f.chunks) > 0 }

func (f *fakeLink) feed(data string) { f.chunks = append(f.chunks, []byte(data)) }
