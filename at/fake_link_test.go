package at

// fakeLink is an in-memory Link used across the at package's tests. Fed
// chunks are delivered one per ReadAvailable call, the way bytes trickle in
// from a real UART, so tests can script multi-stage exchanges (prompt then
// completion) without any concurrency.
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

func (f *fakeLink) HasData() bool {
	return len(f.chunks) > 0
}

// feed queues data as if the modem had just emitted it; it will be returned
// by a single future ReadAvailable call.
func (f *fakeLink) feed(data string) {
	f.chunks = append(f.chunks, []byte(data))
}
