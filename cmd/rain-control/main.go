// Command rain-control bridges a rain-water unit's MQTT telemetry and valve
// to Home Assistant: sensors, a valve switch, a demo cycle and a clean button.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sweeney/rain-control/internal/config"
	"github.com/sweeney/rain-control/internal/controller"
	"github.com/sweeney/rain-control/internal/gpio"
	"github.com/sweeney/rain-control/internal/history"
	"github.com/sweeney/rain-control/internal/logic"
	"github.com/sweeney/rain-control/internal/metrics"
	"github.com/sweeney/rain-control/internal/mqtt"
	"github.com/sweeney/rain-control/internal/status"
	"github.com/sweeney/rain-control/internal/web"
)

// inboxSize bounds the messages waiting for the run loop.
const inboxSize = 256

// statusInterval is how often the connection state is refreshed for the
// status page and metrics.
const statusInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "YAML config file (built-in defaults when empty)")
	broker := flag.String("broker", "", "MQTT broker address (overrides config)")
	httpAddr := flag.String("http", "", "HTTP status address (overrides config, empty disables)")
	heartbeat := flag.Duration("heartbeat", 0, "Heartbeat interval (overrides config, 0 keeps the 15m default, negative disables)")
	printConfig := flag.Bool("print-config", false, "Print the effective configuration and exit")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("fatal: load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "broker":
			cfg.MQTT.Broker = *broker
		case "http":
			cfg.HTTP.Addr = *httpAddr
		case "heartbeat":
			cfg.SetHeartbeat(*heartbeat)
		}
	})

	if *printConfig {
		out, err := maskedConfig(cfg)
		if err != nil {
			log.Fatalf("fatal: %v", err)
		}
		fmt.Print(string(out))
		return
	}

	if err := run(cfg); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// maskedConfig renders cfg as YAML with secrets replaced.
func maskedConfig(cfg *config.Config) ([]byte, error) {
	masked := *cfg
	if masked.MQTT.Password != "" {
		masked.MQTT.Password = "********"
	}
	if masked.Influx.Token != "" {
		masked.Influx.Token = "********"
	}
	return masked.Marshal()
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topics := mqtt.Topics{
		Base:            cfg.Topics.Base,
		DiscoveryPrefix: cfg.Discovery.Prefix,
		NodeID:          cfg.Discovery.NodeID,
	}

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("instance id: %w", err)
	}

	client, err := mqtt.NewRealClient(ctx, mqtt.Options{
		Broker:     cfg.MQTT.Broker,
		ClientID:   cfg.MQTT.ClientID,
		Username:   cfg.MQTT.Username,
		Password:   cfg.MQTT.Password,
		BufferSize: cfg.MQTT.BufferSize,
		Topics:     topics,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	// Status tracker (before STARTUP so the snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		DemoPeriodMs: cfg.Demo.Period.Milliseconds(),
		CleanHoldMs:  cfg.Clean.Hold.Milliseconds(),
		HeartbeatMs:  max(cfg.Heartbeat.Milliseconds(), 0),
		Window:       cfg.Window,
		Broker:       cfg.MQTT.Broker,
		DataTopic:    cfg.Topics.Data,
		ValveTopic:   cfg.Topics.Valve,
		HTTPAddr:     cfg.HTTP.Addr,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var relay gpio.Relay
	if cfg.GPIO.Pin > 0 {
		r, err := gpio.NewRealRelay(cfg.GPIO.Chip, cfg.GPIO.Pin, cfg.GPIO.ActiveLow)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		defer r.Close()
		relay = r
		log.Printf("gpio: valve relay on %s pin %d", cfg.GPIO.Chip, cfg.GPIO.Pin)
	}

	var extra []logic.Notifier
	if cfg.Influx.URL != "" {
		w, closeInflux := history.NewInfluxWriter(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket)
		defer closeInflux()
		rec := history.NewRecorder(w, history.Options{
			Measurement: cfg.Influx.Measurement,
			QueueSize:   cfg.Influx.QueueSize,
			OnDrop:      m.HistoryDropped,
			OnFailure:   m.HistoryFailure,
		})
		done := make(chan struct{})
		go func() {
			defer close(done)
			rec.Run(ctx)
		}()
		// stop the recorder, then wait for it to flush the queue
		defer func() { <-done }()
		defer cancel()
		extra = append(extra, rec)
		log.Printf("history: recording to %s bucket %s", cfg.Influx.URL, cfg.Influx.Bucket)
	}

	jobs := make(chan func(), 16)
	quit := make(chan struct{})
	defer close(quit)

	ctrl, err := controller.New(controller.Options{
		Config:    cfg,
		Topics:    topics,
		Publisher: client,
		Timers:    loopTimers{jobs: jobs, quit: quit},
		Tracker:   tracker,
		Metrics:   m,
		Relay:     relay,
		Notifiers: extra,
	})
	if err != nil {
		return err
	}

	birth, err := mqtt.DiscoveryMessages(topics, mqtt.NewDeviceInfo(instanceID, cfg.Discovery.DeviceName), ctrl.Entities())
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	client.SetBirth(birth)

	inbox := make(chan mqtt.Message, inboxSize)
	if err := subscribe(client, ctrl.Subscriptions(), inbox); err != nil {
		return err
	}

	tracker.SetMQTTConnected(client.IsConnected())
	m.SetMQTTConnected(client.IsConnected())

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := client.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	// Start HTTP status server
	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", cfg.HTTP.Addr)
	}

	log.Printf("started: broker=%s data=%s valve=%s demo=%v heartbeat=%v",
		cfg.MQTT.Broker, cfg.Topics.Data, cfg.Topics.Valve, cfg.Demo.Enabled, cfg.Heartbeat)

	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()

	var heartbeatC <-chan time.Time
	if cfg.HeartbeatEnabled() {
		hb := time.NewTicker(cfg.Heartbeat)
		defer hb.Stop()
		heartbeatC = hb.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(ctrl, client, tracker, m, inbox, jobs, statusTicker.C, heartbeatC, sigCh, time.Now)
}

// mqttClient is the MQTT surface the run loop needs.
type mqttClient interface {
	mqtt.Publisher
	mqtt.Subscriber
	mqtt.ConnectionStatus
}

// subscribe forwards every message on topics into inbox. Handlers run on
// the MQTT network goroutine, so a full inbox drops the message.
func subscribe(sub mqtt.Subscriber, topics []string, inbox chan<- mqtt.Message) error {
	forward := func(msg mqtt.Message) {
		select {
		case inbox <- msg:
		default:
			log.Printf("mqtt: inbox full, dropping message on %s", msg.Topic)
		}
	}
	for _, topic := range topics {
		if err := sub.Subscribe(topic, forward); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		log.Printf("mqtt: subscribed to %s", topic)
	}
	return nil
}

// runLoop owns every entity. Messages, timer jobs and ticks are handled
// one at a time until a signal arrives.
func runLoop(ctrl *controller.Controller, c mqttClient, tracker *status.Tracker, m *metrics.Metrics, inbox <-chan mqtt.Message, jobs <-chan func(), tick, heartbeat <-chan time.Time, sig <-chan os.Signal, now func() time.Time) error {
	refresh := func() {
		connected := c.IsConnected()
		tracker.SetMQTTConnected(connected)
		m.SetMQTTConnected(connected)
	}

	ctrl.Start()

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}

			ctrl.Stop()
			if err := c.Unsubscribe(ctrl.Subscriptions()...); err != nil {
				log.Printf("mqtt: unsubscribe: %v", err)
			}

			refresh()
			snap := tracker.Snapshot()
			event := mqtt.SystemEvent{
				Timestamp:  now(),
				Event:      "SHUTDOWN",
				Reason:     signalName,
				Retained:   true,
				RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", signalName),
			}
			if err := c.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case msg := <-inbox:
			ctrl.HandleMessage(msg)

		case job := <-jobs:
			job()

		case <-tick:
			refresh()

		case <-heartbeat:
			refresh()
			// Refresh network info for heartbeat
			if net := readNetworkInfo(); net != nil {
				tracker.SetNetwork(net)
			}
			snap := tracker.Snapshot()
			log.Printf("heartbeat: uptime=%v messages=%d decode_errors=%d command_failures=%d",
				snap.Uptime().Round(time.Second), snap.Counts.Messages, snap.Counts.DecodeErrors, snap.Counts.CommandFailures)

			hbEvent := mqtt.SystemEvent{
				Timestamp:  now(),
				Event:      "HEARTBEAT",
				RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
			}
			if err := c.PublishSystem(hbEvent); err != nil {
				log.Printf("heartbeat publish error: %v", err)
			}
		}
	}
}

// loopTimers implements logic.Timers by posting callbacks onto the run
// loop's job channel, so they run on the loop goroutine.
type loopTimers struct {
	jobs chan<- func()
	quit <-chan struct{}
}

func (lt loopTimers) post(fn func()) {
	select {
	case lt.jobs <- fn:
	case <-lt.quit:
	}
}

// AfterFunc implements logic.Timers.
func (lt loopTimers) AfterFunc(d time.Duration, fn func()) logic.Stopper {
	return time.AfterFunc(d, func() { lt.post(fn) })
}

// Every implements logic.Timers.
func (lt loopTimers) Every(d time.Duration, fn func()) logic.Stopper {
	s := &tickerStopper{ticker: time.NewTicker(d), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-s.ticker.C:
				lt.post(fn)
			case <-s.done:
				return
			case <-lt.quit:
				return
			}
		}
	}()
	return s
}

type tickerStopper struct {
	ticker  *time.Ticker
	done    chan struct{}
	stopped bool
}

// Stop is called from the run loop only.
func (s *tickerStopper) Stop() bool {
	if s.stopped {
		return false
	}
	s.stopped = true
	s.ticker.Stop()
	close(s.done)
	return true
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
