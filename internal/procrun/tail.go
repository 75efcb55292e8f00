package procrun

const maxTailLineBytes = 512

// tailBuffer keeps the most recent lines written to it.
type tailBuffer struct {
	lines []string
	next  int
	full  bool
}

func newTailBuffer(size int) *tailBuffer {
	if size <= 0 {
		size = 1
	}
	return &tailBuffer{lines: make([]string, size)}
}

func (t *tailBuffer) add(line string) {
	if len(line) > maxTailLineBytes {
		line = line[:maxTailLineBytes]
	}
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

func (t *tailBuffer) snapshot() []string {
	if !t.full {
		return append([]string(nil), t.lines[:t.next]...)
	}
	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines[t.next:]...)
	out = append(out, t.lines[:t.next]...)
	return out
}
