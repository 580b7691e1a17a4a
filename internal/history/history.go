// Package history records sensor and switch state changes to InfluxDB.
// Writes happen on a background goroutine behind a circuit breaker so a
// slow or absent database never stalls the run loop.
package history

import (
	"context"
	"errors"
	"log"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"
)

// Writer stores points. api.WriteAPIBlocking satisfies it.
type Writer interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Options configures a Recorder. Zero values select the defaults.
type Options struct {
	Measurement  string
	QueueSize    int
	MaxFailures  uint32        // consecutive failures that open the breaker
	OpenTimeout  time.Duration // time the breaker stays open
	WriteTimeout time.Duration
	DrainTimeout time.Duration // bound on flushing the queue after cancel

	// OnDrop and OnFailure are optional hooks for metrics.
	OnDrop    func()
	OnFailure func()

	Now func() time.Time
}

// Recorder queues points and writes them in order.
type Recorder struct {
	w     Writer
	opts  Options
	cb    *gobreaker.CircuitBreaker
	queue chan *write.Point
}

// NewRecorder creates a recorder. Call Run to start writing.
func NewRecorder(w Writer, opts Options) *Recorder {
	if opts.Measurement == "" {
		opts.Measurement = "rain_control"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	if opts.OnDrop == nil {
		opts.OnDrop = func() {}
	}
	if opts.OnFailure == nil {
		opts.OnFailure = func() {}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	maxFailures := opts.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "influxdb",
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("history: breaker %s %s -> %s", name, from, to)
		},
	})

	return &Recorder{
		w:     w,
		opts:  opts,
		cb:    cb,
		queue: make(chan *write.Point, opts.QueueSize),
	}
}

// NotifySensor implements logic.Notifier.
func (r *Recorder) NotifySensor(key string, value float64) {
	r.enqueue(key, "sensor", map[string]interface{}{"value": value})
}

// NotifySwitch implements logic.Notifier.
func (r *Recorder) NotifySwitch(key string, on bool) {
	r.enqueue(key, "switch", map[string]interface{}{"on": on})
}

func (r *Recorder) enqueue(key, kind string, fields map[string]interface{}) {
	p := influxdb2.NewPoint(r.opts.Measurement, map[string]string{"entity": key, "kind": kind}, fields, r.opts.Now())
	select {
	case r.queue <- p:
	default:
		r.opts.OnDrop()
	}
}

// Run writes queued points until ctx is cancelled, then flushes what is
// still queued within DrainTimeout. Points left after the deadline are
// counted as dropped.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case p := <-r.queue:
			if ctx.Err() != nil {
				r.drain(p)
				return
			}
			r.write(ctx, p)
		}
	}
}

// drain writes first and then everything left in the queue.
func (r *Recorder) drain(first ...*write.Point) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.DrainTimeout)
	defer cancel()
	flush := func(p *write.Point) {
		if ctx.Err() != nil {
			r.opts.OnDrop()
			return
		}
		r.write(ctx, p)
	}
	for _, p := range first {
		flush(p)
	}
	for {
		select {
		case p := <-r.queue:
			flush(p)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, p *write.Point) {
	_, err := r.cb.Execute(func() (interface{}, error) {
		wctx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
		defer cancel()
		return nil, r.w.WritePoint(wctx, p)
	})
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		r.opts.OnDrop()
	default:
		log.Printf("history: write: %v", err)
		r.opts.OnFailure()
	}
}

// Pending returns the number of queued points.
func (r *Recorder) Pending() int {
	return len(r.queue)
}

// NewInfluxWriter opens an InfluxDB v2 client and returns its blocking
// write API and a function closing the client.
func NewInfluxWriter(url, token, org, bucket string) (Writer, func()) {
	client := influxdb2.NewClient(url, token)
	return client.WriteAPIBlocking(org, bucket), client.Close
}
