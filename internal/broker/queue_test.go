package broker

import (
	"testing"

	"pgregory.net/rapid"
)

func TestFrameQueuePushPop(t *testing.T) {
	q := newFrameQueue(3)

	if _, ok := q.pop(); ok {
		t.Fatal("pop on empty queue returned ok")
	}

	q.push(1, []byte("a"))
	q.push(2, []byte("b"))
	if q.len() != 2 {
		t.Fatalf("len = %d, want 2", q.len())
	}

	f, ok := q.pop()
	if !ok || f.seq != 1 || string(f.payload) != "a" {
		t.Fatalf("pop = %+v ok=%v, want seq 1 payload a", f, ok)
	}
	f, ok = q.pop()
	if !ok || f.seq != 2 {
		t.Fatalf("pop = %+v ok=%v, want seq 2", f, ok)
	}
	if _, ok := q.pop(); ok {
		t.Fatal("pop on drained queue returned ok")
	}
}

func TestFrameQueueDropOldest(t *testing.T) {
	q := newFrameQueue(10)

	dropped := 0
	for seq := uint32(1); seq <= 20; seq++ {
		if q.push(seq, nil) {
			dropped++
		}
	}
	if dropped != 10 {
		t.Errorf("dropped = %d, want 10", dropped)
	}

	// The retained frames must be the contiguous suffix 11..20.
	want := uint32(11)
	for {
		f, ok := q.pop()
		if !ok {
			break
		}
		if f.seq != want {
			t.Fatalf("pop seq = %d, want %d", f.seq, want)
		}
		want++
	}
	if want != 21 {
		t.Errorf("drained up to seq %d, want 21", want)
	}
}

// Retained frames are always a contiguous suffix of what was pushed, in
// push order, regardless of interleaved pops.
func TestFrameQueueOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 16).Draw(t, "capacity")
		q := newFrameQueue(capacity)

		var next uint32 = 1
		var lastPopped uint32

		ops := rapid.IntRange(1, 200).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			if rapid.Bool().Draw(t, "push") {
				q.push(next, nil)
				next++
			} else if f, ok := q.pop(); ok {
				if f.seq <= lastPopped {
					t.Fatalf("popped seq %d after %d: reordered", f.seq, lastPopped)
				}
				lastPopped = f.seq
			}
			if q.len() > capacity {
				t.Fatalf("len %d exceeds capacity %d", q.len(), capacity)
			}
		}
	})
}
