package broker

import (
	"time"

	"github.com/talkwire/talkwire/internal/wire"
)

// callState is the lifecycle state of a call.
type callState int

const (
	callRinging callState = iota // INVITE accepted, waiting for ANSWER
	callInCall                   // answered, audio flowing
)

func (s callState) String() string {
	switch s {
	case callRinging:
		return "RINGING"
	case callInCall:
		return "IN_CALL"
	default:
		return "unknown"
	}
}

// call is an ordered (caller, callee) pair with a process-wide unique id.
// All fields are guarded by the broker mutex.
type call struct {
	id        uint32
	caller    *conn
	callee    *conn
	state     callState
	timer     *time.Timer // ring timeout; nil once cancelled
	startedAt time.Time
}

// peerOf returns the other endpoint, or nil if c is not a participant.
func (cl *call) peerOf(c *conn) *conn {
	switch c {
	case cl.caller:
		return cl.callee
	case cl.callee:
		return cl.caller
	default:
		return nil
	}
}

// handleInvite starts a call from c to the device named in the payload.
// Policy failures are reported with an ERROR frame and leave no state
// behind; on success the callee starts ringing and the ring timeout is
// armed.
func (b *Broker) handleInvite(c *conn, payload []byte) {
	targetID := wire.TrimID(payload)

	b.mu.Lock()

	if c.id == "" {
		b.mu.Unlock()
		c.sendError(0, wire.ErrProtocol)
		return
	}
	if c.currentCall.Load() != 0 {
		b.mu.Unlock()
		c.sendError(0, wire.ErrBusy)
		return
	}
	target, ok := b.devices[targetID]
	if !ok {
		b.mu.Unlock()
		b.log.Info("invite target not found", "caller", c.id, "target", targetID)
		c.sendError(0, wire.ErrNotFound)
		return
	}
	if target == c {
		// A call's endpoints are always distinct.
		b.mu.Unlock()
		c.sendError(0, wire.ErrProtocol)
		return
	}
	if target.currentCall.Load() != 0 {
		b.mu.Unlock()
		b.log.Info("invite target busy", "caller", c.id, "target", targetID)
		c.sendError(0, wire.ErrBusy)
		return
	}

	callID := b.nextCallID
	b.nextCallID++
	b.callsTotal.Add(1)

	cl := &call{
		id:        callID,
		caller:    c,
		callee:    target,
		state:     callRinging,
		startedAt: time.Now(),
	}
	b.calls[callID] = cl
	c.currentCall.Store(callID)
	target.currentCall.Store(callID)

	cl.timer = time.AfterFunc(b.cfg.RingTimeout, func() {
		b.onRingTimeout(callID)
	})

	b.log.Info("call ringing", "call_id", callID, "caller", c.id, "callee", targetID)

	if b.hooks.OnCallStarted != nil {
		b.hooks.OnCallStarted(callID, c.id, targetID)
	}

	b.mu.Unlock()

	// RING carries the caller id, NUL-terminated.
	ring := append([]byte(c.id), 0)
	target.send(wire.MsgRing, callID, 0, ring)
}

// handleAnswer moves a RINGING call to IN_CALL. Only the callee of the
// named call may answer; anything else is silently ignored.
func (b *Broker) handleAnswer(c *conn, callID uint32) {
	b.mu.Lock()

	cl, ok := b.calls[callID]
	if !ok {
		b.mu.Unlock()
		c.log.Warn("ANSWER for unknown call", "call_id", callID, "device", c.id)
		return
	}
	if cl.callee != c {
		b.mu.Unlock()
		c.log.Warn("ANSWER from non-callee", "call_id", callID, "device", c.id)
		return
	}
	if cl.state != callRinging {
		b.mu.Unlock()
		return
	}

	if cl.timer != nil {
		cl.timer.Stop()
		cl.timer = nil
	}
	cl.state = callInCall
	caller := cl.caller
	b.log.Info("call answered", "call_id", callID, "caller", caller.id, "callee", c.id)

	b.mu.Unlock()

	caller.send(wire.MsgAnswer, callID, 0, nil)
}

// handleDecline rejects a RINGING call. Callee only. The caller receives
// DECLINE with the reason byte; no BYE is sent.
func (b *Broker) handleDecline(c *conn, callID uint32, reason byte) {
	b.mu.Lock()

	cl, ok := b.calls[callID]
	if !ok || cl.callee != c {
		b.mu.Unlock()
		return
	}

	reasonStr := "rejected"
	if reason == wire.DeclineBusy {
		reasonStr = "busy"
	}
	b.log.Info("call declined", "call_id", callID, "callee", c.id, "reason", reasonStr)

	caller := cl.caller
	out := b.endCallLocked(callID, false, nil)

	b.mu.Unlock()

	caller.send(wire.MsgDecline, callID, 0, []byte{reason})
	sendAll(out)
}

// handleHangup ends a call at either participant's request; the peer gets
// BYE. Hangups from non-participants are ignored.
func (b *Broker) handleHangup(c *conn, callID uint32) {
	b.mu.Lock()

	cl, ok := b.calls[callID]
	if !ok || cl.peerOf(c) == nil {
		b.mu.Unlock()
		return
	}

	b.log.Info("call hangup", "call_id", callID, "device", c.id)
	out := b.endCallLocked(callID, true, c)

	b.mu.Unlock()
	sendAll(out)
}

// onRingTimeout fires when a RINGING call was not answered in time: the
// caller gets ERR_TIMEOUT, both parties get BYE, and the call is destroyed.
func (b *Broker) onRingTimeout(callID uint32) {
	b.mu.Lock()

	cl, ok := b.calls[callID]
	if !ok || cl.state != callRinging {
		b.mu.Unlock()
		return
	}

	b.log.Info("call timed out", "call_id", callID, "caller", cl.caller.id, "callee", cl.callee.id)

	caller := cl.caller
	out := b.endCallLocked(callID, true, nil)

	b.mu.Unlock()

	caller.sendError(callID, wire.ErrTimeout)
	sendAll(out)
}

// endCallLocked removes a call and resets its participants. The ring timer
// is cancelled (idempotent), each endpoint's current-call binding is
// cleared only if it still names this call (a concurrent re-REGISTER
// eviction may already have rebound it), and OnCallEnded fires exactly
// once because the call leaves the table under the lock.
//
// When notify is true, the peer of `by` receives BYE; with by == nil both
// parties do (timeout and disconnect paths). Queued audio is left to the
// TX pumps to discard once the call-id no longer routes.
func (b *Broker) endCallLocked(callID uint32, notify bool, by *conn) []outMsg {
	cl, ok := b.calls[callID]
	if !ok {
		return nil
	}
	delete(b.calls, callID)

	if cl.timer != nil {
		cl.timer.Stop()
		cl.timer = nil
	}

	cl.caller.currentCall.CompareAndSwap(callID, 0)
	cl.callee.currentCall.CompareAndSwap(callID, 0)

	var out []outMsg
	if notify {
		if by != nil {
			if peer := cl.peerOf(by); peer != nil {
				out = append(out, outMsg{c: peer, typ: wire.MsgBye, callID: callID})
			}
		} else {
			out = append(out,
				outMsg{c: cl.caller, typ: wire.MsgBye, callID: callID},
				outMsg{c: cl.callee, typ: wire.MsgBye, callID: callID},
			)
		}
	}

	b.log.Info("call ended", "call_id", callID)

	if b.hooks.OnCallEnded != nil {
		b.hooks.OnCallEnded(callID)
	}
	return out
}

// handleAudio relays one audio frame to the peer of the sender. Frames for
// unknown calls, calls not yet answered, or from non-participants are
// silently dropped. The sender's sequence number is preserved verbatim;
// the relay neither reorders nor renumbers.
func (b *Broker) handleAudio(c *conn, callID, seq uint32, payload []byte) {
	b.mu.RLock()
	cl, ok := b.calls[callID]
	if !ok || cl.state != callInCall {
		b.mu.RUnlock()
		return
	}
	peer := cl.peerOf(c)
	b.mu.RUnlock()

	if peer == nil {
		return
	}

	if peer.enqueueAudio(seq, payload) {
		b.framesDropped.Add(1)
	}
	b.framesRelayed.Add(1)
	b.bytesRelayed.Add(uint64(len(payload)))
}
