package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one live browser↔device bridge. Audio received from the
// device is fanned out to the sink (typically a websocket writer); audio
// from the browser is queued toward the device.
type Session struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`

	client *Client

	mu   sync.Mutex
	sink func(pcm []byte)
}

// SetSink installs the receiver for device audio. A nil sink discards.
func (s *Session) SetSink(sink func(pcm []byte)) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// SendAudio forwards one browser PCM frame to the device (non-blocking).
func (s *Session) SendAudio(pcm []byte) {
	s.client.SendAudio(pcm)
}

// Done is closed when the underlying device connection ends.
func (s *Session) Done() <-chan struct{} { return s.client.Done() }

func (s *Session) deliver(pcm []byte) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(pcm)
	}
}

// Manager tracks at most one bridge session per device id. Starting a
// session for a device that already has one replaces the old session, the
// same way a browser reload re-issues a start.
type Manager struct {
	log        *slog.Logger
	devicePort int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager. devicePort applies to bridge
// targets given without an explicit port; zero selects the default.
func NewManager(devicePort int, logger *slog.Logger) *Manager {
	return &Manager{
		log:        logger.With("component", "bridge-sessions"),
		devicePort: devicePort,
		sessions:   make(map[string]*Session),
	}
}

// Start opens a bridge to the device at host and runs the START handshake.
// Any existing session for the device is stopped first.
func (m *Manager) Start(ctx context.Context, deviceID, host string, noRing bool) (*Session, error) {
	m.mu.Lock()
	old := m.sessions[deviceID]
	delete(m.sessions, deviceID)
	m.mu.Unlock()
	if old != nil {
		m.log.Info("replacing existing bridge session", "device", deviceID)
		old.client.Stop()
	}

	s := &Session{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Host:      host,
		StartedAt: time.Now(),
	}

	client, err := Dial(ctx, ClientConfig{Addr: host, DevicePort: m.devicePort, NoRing: noRing}, Callbacks{
		OnAudio: s.deliver,
		OnClosed: func(err error) {
			m.remove(deviceID, s)
		},
	}, m.log)
	if err != nil {
		return nil, err
	}
	s.client = client

	if err := client.Start(ctx); err != nil {
		client.Stop()
		return nil, fmt.Errorf("starting stream to %s: %w", deviceID, err)
	}

	m.mu.Lock()
	m.sessions[deviceID] = s
	m.mu.Unlock()

	m.log.Info("bridge session started", "device", deviceID, "host", host, "session", s.ID)
	return s, nil
}

// Stop ends the session for a device, if any. Idempotent.
func (m *Manager) Stop(deviceID string) {
	m.mu.Lock()
	s, ok := m.sessions[deviceID]
	delete(m.sessions, deviceID)
	m.mu.Unlock()

	if ok {
		s.client.Stop()
		m.log.Info("bridge session stopped", "device", deviceID)
	}
}

// Get returns the live session for a device.
func (m *Manager) Get(deviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceID]
	return s, ok
}

// List returns a snapshot of all live sessions, sorted by device id.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StopAll ends every session. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.client.Stop()
	}
}

// remove drops the session for deviceID if s is still the incumbent.
func (m *Manager) remove(deviceID string, s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[deviceID]; ok && cur == s {
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()
}
