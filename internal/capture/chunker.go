package capture

import "time"

// BytesPerSample is the sample width of the 16-bit mono PCM stream.
const BytesPerSample = 2

// ChunkSize returns the number of PCM bytes covering interval at sampleRate.
func ChunkSize(sampleRate int, interval time.Duration) int {
	return int(int64(sampleRate) * BytesPerSample * int64(interval) / int64(time.Second))
}

// Chunker regroups arbitrarily sized audio frames into fixed-size chunks.
type Chunker struct {
	size int
	buf  []byte
}

// NewChunker returns a chunker producing chunks of size bytes.
func NewChunker(size int) *Chunker {
	if size <= 0 {
		size = 1
	}
	return &Chunker{size: size, buf: make([]byte, 0, size)}
}

// Write buffers p and returns every complete chunk now available.
func (c *Chunker) Write(p []byte) [][]byte {
	var out [][]byte
	for len(p) > 0 {
		n := min(c.size-len(c.buf), len(p))
		c.buf = append(c.buf, p[:n]...)
		p = p[n:]
		if len(c.buf) == c.size {
			out = append(out, c.buf)
			c.buf = make([]byte, 0, c.size)
		}
	}
	return out
}

// Flush returns any buffered partial chunk.
func (c *Chunker) Flush() []byte {
	if len(c.buf) == 0 {
		return nil
	}
	rest := c.buf
	c.buf = make([]byte, 0, c.size)
	return rest
}
