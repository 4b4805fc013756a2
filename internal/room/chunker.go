package room

import (
	"sync"
	"time"

	"github.com/milletlovemouse/rtc-chatroom/internal/config"
)

// splitChunks cuts data into pieces of at most size bytes. Empty input
// yields a single empty chunk so every message has at least one frame.
func splitChunks(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// assembler buffers chunks per message id and releases the full
// payload exactly once, when the declared count is reached. Chunks may
// arrive in any order; duplicates are ignored.
type assembler struct {
	pending map[string]*pendingMessage
}

type pendingMessage struct {
	chunks   [][]byte
	received int
	count    int
}

func newAssembler() *assembler {
	return &assembler{pending: make(map[string]*pendingMessage)}
}

// add stores one chunk. It returns the reassembled payload and true on
// the chunk that completes the message; the buffer entry is freed at
// that point.
func (a *assembler) add(id string, index, count int, data []byte) ([]byte, bool) {
	if count <= 0 || index < 0 || index >= count {
		return nil, false
	}

	p, ok := a.pending[id]
	if !ok {
		p = &pendingMessage{chunks: make([][]byte, count), count: count}
		a.pending[id] = p
	}
	if count != p.count || p.chunks[index] != nil {
		return nil, false
	}

	p.chunks[index] = data
	p.received++
	if p.received < p.count {
		return nil, false
	}

	delete(a.pending, id)
	var total int
	for _, c := range p.chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range p.chunks {
		out = append(out, c...)
	}
	return out, true
}

// pendingCount reports how many messages are mid-reassembly.
func (a *assembler) pendingCount() int {
	return len(a.pending)
}

// Speed thresholds for chunk size adjustment, bytes per second.
const (
	speedVerySlow = 50 * 1024
	speedSlow     = 200 * 1024
	speedMedium   = 500 * 1024
	speedFast     = 1024 * 1024
)

// sizeController adapts the outgoing chunk size to the observed
// channel throughput, smoothing with an exponential moving average so
// the size does not oscillate.
type sizeController struct {
	mu          sync.Mutex
	current     int
	transferred int64
	lastUpdate  time.Time
	lastSpeed   float64
}

func newSizeController(start int) *sizeController {
	if start < config.MinChunkSize || start > config.MaxChunkSize {
		start = config.DefaultChunkSize
	}
	return &sizeController{current: start, lastUpdate: time.Now()}
}

// size returns the current chunk size.
func (c *sizeController) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// record notes bytes pushed to the channel and periodically retunes
// the chunk size.
func (c *sizeController) record(bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transferred += bytes
	elapsed := time.Since(c.lastUpdate)
	if elapsed < 500*time.Millisecond && c.transferred < int64(c.current*10) {
		return
	}
	if elapsed <= 0 {
		return
	}

	speed := float64(c.transferred) / elapsed.Seconds()
	if c.lastSpeed > 0 {
		c.lastSpeed = c.lastSpeed*0.7 + speed*0.3
	} else {
		c.lastSpeed = speed
	}

	target := c.targetSize(c.lastSpeed)
	smoothed := c.current + int(float64(target-c.current)*0.25)
	c.current = max(config.MinChunkSize, min(config.MaxChunkSize, smoothed))

	c.transferred = 0
	c.lastUpdate = time.Now()
}

func (c *sizeController) targetSize(speed float64) int {
	switch {
	case speed <= 0:
		return c.current
	case speed < speedVerySlow:
		return config.MinChunkSize
	case speed < speedSlow:
		return 8 * 1024
	case speed < speedMedium:
		return 16 * 1024
	case speed < speedFast:
		return 32 * 1024
	default:
		return config.MaxChunkSize
	}
}
