package app

import (
	"sync"

	"gocv.io/x/gocv"
)

// frameBuffer holds the most recent camera frame as JPEG bytes for the
// MJPEG stream. Publish copies the encoded bytes, so the caller keeps
// ownership of the Mat.
type frameBuffer struct {
	mu   sync.RWMutex
	jpeg []byte
}

func newFrameBuffer() *frameBuffer {
	return &frameBuffer{}
}

// Publish encodes the frame and replaces the buffered image. Encoding
// failures leave the previous frame in place.
func (b *frameBuffer) Publish(frame *gocv.Mat) {
	if frame == nil || frame.Empty() {
		return
	}
	buf, err := gocv.IMEncode(".jpg", *frame)
	if err != nil {
		return
	}
	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	buf.Close()

	b.mu.Lock()
	b.jpeg = data
	b.mu.Unlock()
}

// LatestJPEG returns the most recently published frame. The returned
// slice is replaced wholesale on the next Publish, never mutated.
func (b *frameBuffer) LatestJPEG() ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.jpeg) == 0 {
		return nil, false
	}
	return b.jpeg, true
}
