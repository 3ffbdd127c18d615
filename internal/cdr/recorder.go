package cdr

import (
	"context"
	"log/slog"
	"time"

	"github.com/talkwire/talkwire/internal/broker"
)

// recorder event kinds.
const (
	evStart = iota
	evEnd
)

type event struct {
	kind   int
	callID uint32
	caller string
	callee string
	at     time.Time
}

// Recorder turns broker call hooks into history rows. The hooks run on the
// broker's locked path and must not block, so they only enqueue; a single
// background goroutine does the writes. Events are dropped if the queue
// backs up rather than stalling the relay.
type Recorder struct {
	repo   *Repository
	log    *slog.Logger
	events chan event
}

// NewRecorder creates a recorder writing through repo.
func NewRecorder(repo *Repository, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		log:    logger.With("component", "cdr"),
		events: make(chan event, 256),
	}
}

// Hooks returns broker hooks that feed this recorder.
func (r *Recorder) Hooks() broker.Hooks {
	return broker.Hooks{
		OnCallStarted: func(callID uint32, caller, callee string) {
			r.enqueue(event{kind: evStart, callID: callID, caller: caller, callee: callee, at: time.Now()})
		},
		OnCallEnded: func(callID uint32) {
			r.enqueue(event{kind: evEnd, callID: callID, at: time.Now()})
		},
	}
}

func (r *Recorder) enqueue(e event) {
	select {
	case r.events <- e:
	default:
		r.log.Warn("history event queue full, dropping event", "call_id", e.callID)
	}
}

// Run processes events until ctx is cancelled. Pending events are flushed
// before returning.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case e := <-r.events:
			r.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.events:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch e.kind {
	case evStart:
		err = r.repo.Insert(ctx, e.callID, e.caller, e.callee, e.at)
	case evEnd:
		err = r.repo.Close(ctx, e.callID, e.at)
	}
	if err != nil {
		r.log.Error("writing call history", "call_id", e.callID, "error", err)
	}
}
