package socket_test

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

func (f *fakeLink) feed(data string) {
	f.chunks = append(f.chunks, []byte(data))
}
