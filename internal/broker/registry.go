package broker

import (
	"encoding/json"
	"sort"

	"github.com/talkwire/talkwire/internal/wire"
)

// handleRegister binds a device id to this connection. A registration for
// an id that is already present evicts the previous connection first, so
// at most one connection exists per device id.
func (b *Broker) handleRegister(c *conn, payload []byte) {
	id := wire.TrimID(payload)
	if id == "" {
		c.log.Warn("empty device id in REGISTER")
		return
	}

	b.mu.Lock()

	if c.id != "" {
		// The identifier is assigned exactly once per connection.
		if c.id != id {
			c.log.Warn("REGISTER with new id on registered connection, ignoring",
				"device", c.id, "requested", id)
			b.mu.Unlock()
			return
		}
		// Same-id re-REGISTER on the same connection: just refresh the roster.
		b.mu.Unlock()
		b.sendContacts(c)
		return
	}

	var out []outMsg
	var evicted *conn
	if old, ok := b.devices[id]; ok && old != c {
		b.log.Warn("device re-registering, evicting old connection", "device", id)
		msgs, _ := b.removeLocked(old)
		out = append(out, msgs...)
		evicted = old
	}

	c.id = id
	b.devices[id] = c
	b.log.Info("device registered", "device", id)

	if b.hooks.OnDeviceConnected != nil {
		b.hooks.OnDeviceConnected(id)
	}

	b.mu.Unlock()

	if evicted != nil {
		evicted.close()
	}
	sendAll(out)
	b.sendContacts(c)
	b.broadcastContacts()
}

// disconnect runs the full cleanup for a connection whose reader has
// unwound: end any active call with peer notification, remove the registry
// mapping if this connection is still the incumbent, and broadcast the
// updated roster. Idempotent.
func (b *Broker) disconnect(c *conn) {
	b.mu.Lock()
	out, removed := b.removeLocked(c)
	b.mu.Unlock()

	sendAll(out)
	if removed {
		b.broadcastContacts()
	}
	c.close()
}

// removeLocked ends the connection's active call (with peer-notify BYE) and
// removes it from the device table if it is still the incumbent for its id.
// Returns the control frames to send once the lock is released and whether
// the registry changed.
func (b *Broker) removeLocked(c *conn) (out []outMsg, removed bool) {
	if callID := c.currentCall.Load(); callID != 0 {
		out = b.endCallLocked(callID, true, nil)
	}
	if c.id != "" && b.devices[c.id] == c {
		delete(b.devices, c.id)
		removed = true
		b.log.Info("device unregistered", "device", c.id)
		if b.hooks.OnDeviceDisconnected != nil {
			b.hooks.OnDeviceDisconnected(c.id)
		}
	}
	return out, removed
}

// contactsPayloadLocked builds the CONTACTS JSON for one recipient: every
// registered device except the recipient itself. The entries are sorted by
// id so a stable registry always yields byte-identical payloads.
func (b *Broker) contactsPayloadLocked(recipient *conn) []byte {
	contacts := make([]wire.Contact, 0, len(b.devices))
	for id, c := range b.devices {
		if c == recipient {
			continue
		}
		contacts = append(contacts, wire.Contact{
			ID:   id,
			Name: id,
			Busy: c.currentCall.Load() != 0,
		})
	}
	// Map iteration order is random; sort so a stable registry yields a
	// byte-identical roster on every send.
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].ID < contacts[j].ID })

	payload, err := json.Marshal(contacts)
	if err != nil {
		// A []Contact always marshals; this is unreachable in practice.
		b.log.Error("marshaling contacts", "error", err)
		return []byte("[]")
	}
	return payload
}

// sendContacts sends the current roster to one device.
func (b *Broker) sendContacts(c *conn) {
	b.mu.RLock()
	payload := b.contactsPayloadLocked(c)
	b.mu.RUnlock()
	c.send(wire.MsgContacts, 0, 0, payload)
}

// broadcastContacts sends each registered device its own view of the
// roster. The roster is small and churn is low, so recomputing on every
// membership change beats maintaining diffs.
func (b *Broker) broadcastContacts() {
	b.mu.RLock()
	type delivery struct {
		c       *conn
		payload []byte
	}
	deliveries := make([]delivery, 0, len(b.devices))
	for _, c := range b.devices {
		deliveries = append(deliveries, delivery{c: c, payload: b.contactsPayloadLocked(c)})
	}
	b.mu.RUnlock()

	for _, d := range deliveries {
		d.c.send(wire.MsgContacts, 0, 0, d.payload)
	}
}
