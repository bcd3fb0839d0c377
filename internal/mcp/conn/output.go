package conn

import (
	"bytes"
	"sync"
)

// defaultOutputLines is how many process output lines are kept.
const defaultOutputLines = 200

// maxLineBytes caps a single buffered line so a process that never writes a
// newline cannot grow the buffer without bound.
const maxLineBytes = 4096

// outputRing is an io.Writer that keeps the last N lines written to it. It is
// attached to a spawned server's stdout and stderr. Safe for concurrent use.
type outputRing struct {
	mu      sync.Mutex
	lines   []string // ring buffer of complete lines
	pos     int      // next write position
	count   int      // total lines written
	size    int
	partial []byte
}

func newOutputRing(size int) *outputRing {
	if size <= 0 {
		size = defaultOutputLines
	}
	return &outputRing{lines: make([]string, size), size: size}
}

// Write implements io.Writer. It never fails.
func (r *outputRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := p
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			r.partial = append(r.partial, data...)
			if len(r.partial) >= maxLineBytes {
				r.push(string(r.partial))
				r.partial = r.partial[:0]
			}
			break
		}
		r.partial = append(r.partial, data[:i]...)
		r.push(string(bytes.TrimRight(r.partial, "\r")))
		r.partial = r.partial[:0]
		data = data[i+1:]
	}
	return len(p), nil
}

func (r *outputRing) push(line string) {
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % r.size
	r.count++
}

// Lines returns the retained lines, oldest first, including a trailing
// partial line.
func (r *outputRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := min(r.count, r.size)
	out := make([]string, 0, n+1)
	if r.count >= r.size {
		for i := 0; i < r.size; i++ {
			out = append(out, r.lines[(r.pos+i)%r.size])
		}
	} else {
		out = append(out, r.lines[:n]...)
	}
	if len(r.partial) > 0 {
		out = append(out, string(r.partial))
	}
	return out
}

// Tail returns at most n of the most recent lines.
func (r *outputRing) Tail(n int) []string {
	lines := r.Lines()
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
