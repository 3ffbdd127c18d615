package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/talkwire/talkwire/internal/cdr"
)

type fakeBroker struct{}

func (fakeBroker) DeviceCount() int         { return 3 }
func (fakeBroker) ActiveCallCount() int     { return 1 }
func (fakeBroker) FramesRelayed() uint64    { return 100 }
func (fakeBroker) FramesDropped() uint64    { return 7 }
func (fakeBroker) BytesRelayed() uint64     { return 51200 }
func (fakeBroker) ConnectionsTotal() uint64 { return 5 }
func (fakeBroker) CallsTotal() uint64       { return 2 }

type fakeBridge struct{}

func (fakeBridge) Count() int { return 1 }

type fakeHistory struct{}

func (fakeHistory) Count(context.Context) (int64, error) { return 42, nil }

func TestCollectorGathersAllProviders(t *testing.T) {
	c := NewCollector(fakeBroker{}, fakeBridge{}, fakeHistory{}, time.Now())

	expected := `
# HELP talkwire_registered_devices Number of currently registered intercom devices
# TYPE talkwire_registered_devices gauge
talkwire_registered_devices 3
# HELP talkwire_active_calls Number of currently active calls (ringing + in-call)
# TYPE talkwire_active_calls gauge
talkwire_active_calls 1
# HELP talkwire_audio_frames_relayed_total Total audio frames enqueued for delivery to call peers
# TYPE talkwire_audio_frames_relayed_total counter
talkwire_audio_frames_relayed_total 100
# HELP talkwire_audio_frames_dropped_total Total audio frames discarded because a peer queue was full
# TYPE talkwire_audio_frames_dropped_total counter
talkwire_audio_frames_dropped_total 7
# HELP talkwire_audio_bytes_relayed_total Total audio payload bytes enqueued for delivery to call peers
# TYPE talkwire_audio_bytes_relayed_total counter
talkwire_audio_bytes_relayed_total 51200
# HELP talkwire_connections_total Total TCP connections accepted by the broker
# TYPE talkwire_connections_total counter
talkwire_connections_total 5
# HELP talkwire_calls_total Total calls created since the process started
# TYPE talkwire_calls_total counter
talkwire_calls_total 2
# HELP talkwire_bridge_sessions_active Number of active point-to-point bridge sessions
# TYPE talkwire_bridge_sessions_active gauge
talkwire_bridge_sessions_active 1
# HELP talkwire_call_history_records Total call history records in the database
# TYPE talkwire_call_history_records gauge
talkwire_call_history_records 42
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"talkwire_registered_devices",
		"talkwire_active_calls",
		"talkwire_audio_frames_relayed_total",
		"talkwire_audio_frames_dropped_total",
		"talkwire_audio_bytes_relayed_total",
		"talkwire_connections_total",
		"talkwire_calls_total",
		"talkwire_bridge_sessions_active",
		"talkwire_call_history_records",
	)
	if err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}

func TestCollectorNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, time.Now())

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	// Only uptime remains when every provider is nil.
	if len(fams) != 1 || fams[0].GetName() != "talkwire_uptime_seconds" {
		t.Fatalf("unexpected families: %v", fams)
	}
}

func TestCollectorTypedNilHistory(t *testing.T) {
	// Running with the call log disabled leaves a nil *cdr.Repository.
	// Handed to NewCollector through the interface parameter it must count
	// as absent, not be scraped through a nil receiver.
	var history *cdr.Repository
	c := NewCollector(nil, nil, history, time.Now())

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(fams) != 1 || fams[0].GetName() != "talkwire_uptime_seconds" {
		t.Fatalf("unexpected families: %v", fams)
	}
}
