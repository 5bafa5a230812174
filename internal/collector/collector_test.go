package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nugget/avfallsor-mqtt/internal/mqtt"
	"github.com/nugget/avfallsor-mqtt/internal/pickup"
	"github.com/nugget/avfallsor-mqtt/internal/schedule"
)

type recordingBroker struct {
	mu          sync.Mutex
	published   []mqtt.Message
	disconnects int
	acks        chan mqtt.Ack
}

func newRecordingBroker() *recordingBroker {
	return &recordingBroker{acks: make(chan mqtt.Ack, 32)}
}

func (b *recordingBroker) Publish(_ context.Context, msg mqtt.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
	b.acks <- mqtt.Ack{ID: uint16(len(b.published)), Topic: msg.Topic}
	return nil
}

func (b *recordingBroker) Acks() <-chan mqtt.Ack { return b.acks }

func (b *recordingBroker) Disconnect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnects++
	return nil
}

// countingDialer hands out broker and counts dial attempts.
type countingDialer struct {
	broker mqtt.Broker
	err    error
	calls  int
}

func (d *countingDialer) dial(context.Context) (mqtt.Broker, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.broker, nil
}

type stubSource struct {
	ref        schedule.PageRef
	records    []pickup.Record
	resolveErr error
	extractErr error
}

func (s stubSource) ResolveAddress(context.Context, string) (schedule.PageRef, error) {
	return s.ref, s.resolveErr
}

func (s stubSource) ExtractPickups(context.Context, schedule.PageRef, schedule.Clock) ([]pickup.Record, error) {
	return s.records, s.extractErr
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastDiscovery() mqtt.DiscoveryConfig {
	return mqtt.DiscoveryConfig{AckTimeout: 2 * time.Second, SettleDelay: -1}
}

func TestRun_ExampleAddress(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/address", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"3f2a": {"value": "Example 1", "href": "/schedule/123"}}`))
	})
	mux.HandleFunc("/schedule/123", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<div class="pickup-days-small">
			<h3>Fredag 15. mars</h3>
			<div><span class="waste-icon waste-icon--residual"></span></div>
		</div>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := schedule.New(
		schedule.WithHTTPClient(srv.Client()),
		schedule.WithAddressEndpoint(srv.URL+"/address"),
		schedule.WithLocation(time.Local),
		schedule.WithNow(func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local) }),
		schedule.WithLogger(quietLogger()),
	)
	broker := newRecordingBroker()
	dialer := &countingDialer{broker: broker}

	c := New(Config{
		Address:        "Example 1",
		CollectionTime: schedule.Clock{Hour: 6},
		Discovery:      fastDiscovery(),
	}, src, dialer.dial, quietLogger())

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(report.Pickups) != 1 {
		t.Fatalf("got %d pickups, want 1", len(report.Pickups))
	}
	rec := report.Pickups[0]
	if id := pickup.DefaultIntegration.SensorID(rec); id != "avfallsor-garbage" {
		t.Errorf("SensorID = %q, want avfallsor-garbage", id)
	}
	want := time.Date(2024, 3, 15, 6, 0, 0, 0, time.Local).Format(time.RFC3339)
	if got := rec.StatePayload(); got != want {
		t.Errorf("StatePayload() = %q, want %q", got, want)
	}

	if report.Sensors != 1 || report.Values != 1 {
		t.Errorf("report = %+v, want 1 sensor and 1 value", report)
	}
	if report.RunID == "" {
		t.Error("RunID is empty")
	}
	if dialer.calls != 1 || broker.disconnects != 1 {
		t.Errorf("dials = %d, disconnects = %d", dialer.calls, broker.disconnects)
	}
	if len(broker.published) != 2 || string(broker.published[1].Payload) != want {
		t.Errorf("published = %+v", broker.published)
	}
}

func TestRun_AddressNotFoundNeverDials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	src := schedule.New(
		schedule.WithHTTPClient(srv.Client()),
		schedule.WithAddressEndpoint(srv.URL),
		schedule.WithLogger(quietLogger()),
	)
	dialer := &countingDialer{broker: newRecordingBroker()}
	c := New(Config{Address: "Nowhere 404"}, src, dialer.dial, quietLogger())

	_, err := c.Run(context.Background())
	if !errors.Is(err, schedule.ErrAddressNotFound) {
		t.Fatalf("Run() error = %v, want ErrAddressNotFound", err)
	}
	if dialer.calls != 0 {
		t.Errorf("dial called %d times, want 0", dialer.calls)
	}
}

func TestRun_FetchErrorNeverDials(t *testing.T) {
	fetchErr := &schedule.FetchError{Op: "schedule page", URL: "http://x", StatusCode: 500, Err: errors.New("boom")}
	dialer := &countingDialer{broker: newRecordingBroker()}
	c := New(Config{Address: "Example 1"}, stubSource{extractErr: fetchErr}, dialer.dial, quietLogger())

	_, err := c.Run(context.Background())
	var fe *schedule.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Run() error = %v, want *FetchError", err)
	}
	if dialer.calls != 0 {
		t.Errorf("dial called %d times, want 0", dialer.calls)
	}
}

func TestRun_DialError(t *testing.T) {
	recs := []pickup.Record{pickup.New(pickup.Plastic, time.Now())}
	dialer := &countingDialer{err: errors.New("connection refused")}
	c := New(Config{Address: "Example 1"}, stubSource{records: recs}, dialer.dial, quietLogger())

	report, err := c.Run(context.Background())
	if err == nil {
		t.Fatal("Run() error = nil, want dial error")
	}
	if len(report.Pickups) != 1 {
		t.Errorf("report.Pickups = %d, want scraped pickups kept", len(report.Pickups))
	}
}

func TestRun_NoPickups(t *testing.T) {
	broker := newRecordingBroker()
	dialer := &countingDialer{broker: broker}
	c := New(Config{Address: "Example 1", Discovery: fastDiscovery()}, stubSource{}, dialer.dial, quietLogger())

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Sensors != 0 || report.Values != 0 {
		t.Errorf("report = %+v", report)
	}
	if broker.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", broker.disconnects)
	}
}

func TestPreview(t *testing.T) {
	recs := []pickup.Record{
		pickup.New(pickup.Garbage, time.Now()),
		pickup.New(pickup.FoodWaste, time.Now()),
	}
	dialer := &countingDialer{}
	c := New(Config{Address: "Example 1"}, stubSource{ref: schedule.PageRef{Address: "Example 1"}, records: recs}, dialer.dial, nil)

	ref, got, err := c.Preview(context.Background())
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if ref.Address != "Example 1" || len(got) != 2 {
		t.Errorf("Preview() = %+v, %d records", ref, len(got))
	}
	if dialer.calls != 0 {
		t.Error("Preview dialed the broker")
	}
}
