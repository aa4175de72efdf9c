package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
)

// DefaultFrameSize is the read size used by reader-backed microphones.
const DefaultFrameSize = 3200

// Microphone is an audio capture device producing raw 16-bit mono PCM.
type Microphone interface {
	// Open starts capture. Frames arrive on the returned channel until ctx
	// is cancelled, the source ends, or Close is called.
	Open(ctx context.Context) (<-chan []byte, error)
	// Close releases the device. It is safe to call more than once.
	Close() error
}

// ReaderMicrophone captures from an io.Reader such as a pipe from an
// external recorder.
type ReaderMicrophone struct {
	R         io.Reader
	FrameSize int

	mu     sync.Mutex
	closed bool
}

// Open starts reading frames from R.
func (m *ReaderMicrophone) Open(ctx context.Context) (<-chan []byte, error) {
	if m.R == nil {
		return nil, ErrDeviceUnavailable
	}
	size := m.FrameSize
	if size <= 0 {
		size = DefaultFrameSize
	}
	out := make(chan []byte, 8)
	go func() {
		defer close(out)
		for {
			buf := make([]byte, size)
			n, err := m.R.Read(buf)
			if n > 0 {
				select {
				case out <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil || m.isClosed() {
				return
			}
		}
	}()
	return out, nil
}

func (m *ReaderMicrophone) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close stops capture and closes R when it is an io.Closer.
func (m *ReaderMicrophone) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	if c, ok := m.R.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// DeviceMicrophone captures from a device node or FIFO.
type DeviceMicrophone struct {
	Path      string
	FrameSize int

	reader *ReaderMicrophone
}

// Open opens the device, mapping permission and missing-device failures to
// ErrPermissionDenied and ErrDeviceUnavailable.
func (m *DeviceMicrophone) Open(ctx context.Context) (<-chan []byte, error) {
	f, err := os.Open(m.Path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, m.Path)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	m.reader = &ReaderMicrophone{R: f, FrameSize: m.FrameSize}
	return m.reader.Open(ctx)
}

// Close releases the device.
func (m *DeviceMicrophone) Close() error {
	if m.reader == nil {
		return nil
	}
	return m.reader.Close()
}
