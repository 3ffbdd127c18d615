package broker

import "sync"

// audioFrame is one queued audio frame awaiting transmission to a device.
// Seq is the sender's sequence number, preserved verbatim by the relay.
type audioFrame struct {
	seq     uint32
	payload []byte
}

// frameQueue is a bounded FIFO ring of audio frames with drop-oldest policy.
// Enqueue never blocks: at capacity the oldest frame is discarded, which
// keeps relative order of the retained frames and favours low latency over
// completeness. At ~16 ms per frame the default 10 slots hold ~160 ms of
// audio.
type frameQueue struct {
	mu    sync.Mutex
	ring  []audioFrame
	head  int // index of oldest frame
	count int
}

// defaultQueueSize is the per-device audio queue capacity in frames.
const defaultQueueSize = 10

func newFrameQueue(capacity int) *frameQueue {
	if capacity <= 0 {
		capacity = defaultQueueSize
	}
	return &frameQueue{ring: make([]audioFrame, capacity)}
}

// push appends a frame, discarding the oldest one if the queue is full.
// It reports whether a frame was dropped.
func (q *frameQueue) push(seq uint32, payload []byte) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.ring) {
		q.head = (q.head + 1) % len(q.ring)
		q.count--
		dropped = true
	}
	tail := (q.head + q.count) % len(q.ring)
	q.ring[tail] = audioFrame{seq: seq, payload: payload}
	q.count++
	return dropped
}

// pop removes and returns the oldest frame, or ok=false if the queue is empty.
func (q *frameQueue) pop() (f audioFrame, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return audioFrame{}, false
	}
	f = q.ring[q.head]
	q.ring[q.head] = audioFrame{}
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	return f, true
}

// len returns the number of queued frames.
func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
