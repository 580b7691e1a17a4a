package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"
)

type fakeWriter struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
	calls  int
	wrote  chan struct{}
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{wrote: make(chan struct{}, 100)}
}

func (f *fakeWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, points...)
	f.wrote <- struct{}{}
	return nil
}

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func tagValue(p *write.Point, key string) string {
	for _, tag := range p.TagList() {
		if tag.Key == key {
			return tag.Value
		}
	}
	return ""
}

func TestRecorderWritesInOrder(t *testing.T) {
	w := newFakeWriter()
	r := NewRecorder(w, Options{Now: fixedNow})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.NotifySensor("water_flow_1", 2.5)
	r.NotifySwitch("valve_switch", true)

	for i := 0; i < 2; i++ {
		select {
		case <-w.wrote:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for write %d", i)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(w.points))
	}

	p := w.points[0]
	if p.Name() != "rain_control" {
		t.Errorf("measurement: got %q", p.Name())
	}
	if tagValue(p, "entity") != "water_flow_1" || tagValue(p, "kind") != "sensor" {
		t.Errorf("sensor tags: %v", p.TagList())
	}
	if !p.Time().Equal(fixedNow()) {
		t.Errorf("time: got %v", p.Time())
	}
	if len(p.FieldList()) != 1 || p.FieldList()[0].Key != "value" || p.FieldList()[0].Value != 2.5 {
		t.Errorf("sensor fields: %v", p.FieldList())
	}

	sw := w.points[1]
	if tagValue(sw, "kind") != "switch" {
		t.Errorf("switch kind: %q", tagValue(sw, "kind"))
	}
	if sw.FieldList()[0].Key != "on" || sw.FieldList()[0].Value != true {
		t.Errorf("switch fields: %v", sw.FieldList())
	}
}

func TestRecorderDropsWhenQueueFull(t *testing.T) {
	dropped := 0
	r := NewRecorder(newFakeWriter(), Options{QueueSize: 2, OnDrop: func() { dropped++ }})

	// not running: the queue fills up
	for i := 0; i < 5; i++ {
		r.NotifySensor("water_flow_1", float64(i))
	}
	if r.Pending() != 2 {
		t.Errorf("Pending: got %d, want 2", r.Pending())
	}
	if dropped != 3 {
		t.Errorf("dropped: got %d, want 3", dropped)
	}
}

func TestRecorderBreakerOpensAfterFailures(t *testing.T) {
	w := newFakeWriter()
	w.err = errors.New("connection refused")
	failures, dropped := 0, 0
	r := NewRecorder(w, Options{
		MaxFailures: 3,
		OpenTimeout: time.Hour,
		OnFailure:   func() { failures++ },
		OnDrop:      func() { dropped++ },
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		r.NotifySensor("water_flow_1", float64(i))
		r.write(ctx, <-r.queue)
	}

	if failures != 3 {
		t.Errorf("failures: got %d, want 3", failures)
	}
	if dropped != 2 {
		t.Errorf("dropped while open: got %d, want 2", dropped)
	}
	if w.calls != 3 {
		t.Errorf("writer calls: got %d, want 3 (breaker should short-circuit)", w.calls)
	}
	if r.cb.State() != gobreaker.StateOpen {
		t.Errorf("breaker state: got %v, want open", r.cb.State())
	}
}

func TestRecorderStopsOnCancel(t *testing.T) {
	r := NewRecorder(newFakeWriter(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRecorderFlushesQueueOnCancel(t *testing.T) {
	w := newFakeWriter()
	r := NewRecorder(w, Options{Now: fixedNow})

	r.NotifySwitch("demo_mode", false)
	r.NotifySwitch("valve_switch", false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	if r.Pending() != 0 {
		t.Errorf("Pending: got %d, want 0", r.Pending())
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.points) != 2 {
		t.Fatalf("points: got %d, want 2", len(w.points))
	}
	if got := tagValue(w.points[1], "entity"); got != "valve_switch" {
		t.Errorf("last entity: got %q, want valve_switch", got)
	}
}

func TestRecorderDrainDropsAfterDeadline(t *testing.T) {
	w := newFakeWriter()
	drops := 0
	r := NewRecorder(w, Options{
		Now:          fixedNow,
		DrainTimeout: time.Nanosecond,
		OnDrop:       func() { drops++ },
	})

	r.NotifySensor("water_flow_1", 1)
	r.NotifySensor("water_flow_1", 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	r.Run(ctx)
	if time.Since(start) > time.Second {
		t.Errorf("Run took %v after cancel", time.Since(start))
	}
	if r.Pending() != 0 {
		t.Errorf("Pending: got %d, want 0", r.Pending())
	}
	w.mu.Lock()
	wrote := len(w.points)
	w.mu.Unlock()
	if wrote+drops != 2 {
		t.Errorf("written %d + dropped %d, want 2 in total", wrote, drops)
	}
}
