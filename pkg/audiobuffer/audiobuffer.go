// Package audiobuffer implements the per-listener bounded audio ring
// buffer: raw synthesized PCM queued for one listener connection, dropping
// the oldest bytes once full rather than growing without bound or blocking
// the synthesizer. Grounded on the bounded-channel backpressure discipline
// the teacher's ManagedStream applies to its own audio chunk queue
// (drainAudioChunks in managed_stream.go), generalized from a channel of
// chunks to a byte-capacity ring since listeners read at their own pace.
package audiobuffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const bytesPerSecond16kHzMono16Bit = 32000

var (
	bufferOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_audiobuffer_overflow_total",
		Help: "Times a listener's audio buffer dropped oldest bytes to make room for new audio.",
	})
	bufferUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_audiobuffer_utilization_ratio",
		Help: "Most recently observed fraction-full of a listener's audio buffer.",
	})
)

// Buffer is a fixed-capacity FIFO byte ring for one listener connection.
// Not safe for concurrent use; callers serialize access per connection
// (the delivery fan-out writes, the connection's send loop reads).
type Buffer struct {
	data     []byte
	capacity int
	start    int
	size     int
}

// New constructs a Buffer sized for maxSeconds of 16kHz/16-bit mono PCM.
func New(maxSeconds int) *Buffer {
	if maxSeconds <= 0 {
		maxSeconds = 10
	}
	return &Buffer{
		data:     make([]byte, maxSeconds*bytesPerSecond16kHzMono16Bit),
		capacity: maxSeconds * bytesPerSecond16kHzMono16Bit,
	}
}

// Write appends chunk to the buffer, dropping the oldest bytes first if
// chunk would overflow capacity. A chunk larger than the entire capacity is
// truncated to its tail (only the most recent capacity bytes are kept).
func (b *Buffer) Write(chunk []byte) {
	if b.capacity == 0 || len(chunk) == 0 {
		return
	}
	if len(chunk) > b.capacity {
		chunk = chunk[len(chunk)-b.capacity:]
		bufferOverflows.Inc()
	}

	overflow := b.size + len(chunk) - b.capacity
	if overflow > 0 {
		b.dropOldest(overflow)
		bufferOverflows.Inc()
	}

	writeAt := (b.start + b.size) % b.capacity
	for _, c := range chunk {
		b.data[writeAt] = c
		writeAt = (writeAt + 1) % b.capacity
	}
	b.size += len(chunk)
	bufferUtilization.Set(b.Utilization())
}

// dropOldest discards n bytes (capped to current size) from the front of
// the ring.
func (b *Buffer) dropOldest(n int) {
	if n > b.size {
		n = b.size
	}
	b.start = (b.start + n) % b.capacity
	b.size -= n
}

// Read drains up to len(out) bytes in FIFO order, returning how many bytes
// were copied.
func (b *Buffer) Read(out []byte) int {
	n := len(out)
	if n > b.size {
		n = b.size
	}
	for i := 0; i < n; i++ {
		out[i] = b.data[(b.start+i)%b.capacity]
	}
	b.start = (b.start + n) % b.capacity
	b.size -= n
	bufferUtilization.Set(b.Utilization())
	return n
}

// Len reports the number of unread bytes currently queued.
func (b *Buffer) Len() int {
	return b.size
}

// Utilization reports the fraction of capacity currently in use, in [0,1].
func (b *Buffer) Utilization() float64 {
	if b.capacity == 0 {
		return 0
	}
	return float64(b.size) / float64(b.capacity)
}

// Clear empties the buffer, used when a listener disconnects.
func (b *Buffer) Clear() {
	b.start = 0
	b.size = 0
	bufferUtilization.Set(0)
}
