// Package telemetry mirrors simulator state onto Redis: per-unit register
// snapshots and control events on pub/sub channels, a heartbeat with a
// presence key, and a command channel that accepts control requests.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/holla2040/sensorsim/internal/control"
	"github.com/holla2040/sensorsim/internal/metrics"
	"github.com/holla2040/sensorsim/internal/protocol"
	"github.com/redis/go-redis/v9"
)

// Channel names.
const (
	ChannelEvents    = "sensorsim:events"
	ChannelHeartbeat = "sensorsim:heartbeat"
)

// TelemetryChannel is the pub/sub channel carrying one unit's snapshots.
func TelemetryChannel(unit int) string {
	return fmt.Sprintf("sensorsim:telemetry:unit:%d", unit)
}

// CommandChannel is the pub/sub channel an instance reads control requests from.
func CommandChannel(instance string) string {
	return "sensorsim:commands:" + instance
}

// PresenceKey is refreshed with a TTL while the instance is running.
func PresenceKey(instance string) string {
	return "sensorsim:" + instance + ":alive"
}

// Config holds the publisher settings.
type Config struct {
	Instance          string
	Version           string
	Interval          time.Duration
	HeartbeatInterval time.Duration
	PresenceTTL       time.Duration
	ModbusAddr        string
	Scale             float64
}

func (c *Config) defaults() {
	if c.Instance == "" {
		c.Instance = "sim-01"
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.Interval <= 0 {
		c.Interval = 250 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 15 * time.Second
	}
	if c.Scale <= 0 {
		c.Scale = 100
	}
}

// Publisher publishes simulator state to Redis.
type Publisher struct {
	rdb     *redis.Client
	plane   *control.Plane
	cfg     Config
	metrics *metrics.Metrics
	health  *Monitor
	events  chan control.Event
	started time.Time
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithMetrics counts publish attempts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithHealth skips publishing while the monitor reports Redis down.
func WithHealth(h *Monitor) Option {
	return func(p *Publisher) {
		p.health = h
	}
}

// NewPublisher creates a publisher for plane's state.
func NewPublisher(rdb *redis.Client, plane *control.Plane, cfg Config, opts ...Option) *Publisher {
	cfg.defaults()
	p := &Publisher{
		rdb:     rdb,
		plane:   plane,
		cfg:     cfg,
		events:  make(chan control.Event, 256),
		started: time.Now(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Publisher) source() protocol.Source {
	return protocol.Source{
		Service:  "sensorsim",
		Instance: p.cfg.Instance,
		Version:  p.cfg.Version,
	}
}

// Listen queues a control event for publication. It never blocks.
func (p *Publisher) Listen(ev control.Event) {
	select {
	case p.events <- ev:
	default:
	}
}

// Run starts the telemetry, heartbeat, event and command loops and blocks
// until ctx is cancelled. The presence key is removed on the way out.
func (p *Publisher) Run(ctx context.Context) {
	var wg sync.WaitGroup

	loops := []func(context.Context){p.telemetryLoop, p.heartbeatLoop, p.eventLoop, p.commandLoop}
	for _, loop := range loops {
		wg.Add(1)
		go func(loop func(context.Context)) {
			defer wg.Done()
			loop(ctx)
		}(loop)
	}

	log.Printf("telemetry: publishing as %s every %v", p.cfg.Instance, p.cfg.Interval)
	wg.Wait()

	delCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.rdb.Del(delCtx, PresenceKey(p.cfg.Instance))
	log.Println("telemetry: stopped")
}

func (p *Publisher) up() bool {
	return p.health == nil || p.health.IsConnected()
}

func (p *Publisher) telemetryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.up() {
				p.publishTelemetry(ctx)
			}
		}
	}
}

func (p *Publisher) heartbeatLoop(ctx context.Context) {
	p.beat(ctx)

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.up() {
				p.beat(ctx)
			}
		}
	}
}

func (p *Publisher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			if p.up() {
				p.publishEvent(ctx, ev)
			}
		}
	}
}

// publishTelemetry sends one snapshot per unit.
func (p *Publisher) publishTelemetry(ctx context.Context) {
	st := p.plane.GetStatus()
	for _, u := range st.Units {
		scaled := make([]float64, 0, len(u.Registers)/2)
		for i := 0; i < len(u.Registers); i += 2 {
			scaled = append(scaled, float64(u.Registers[i])/p.cfg.Scale)
		}
		payload := protocol.UnitTelemetryPayload{
			Unit:      u.Unit,
			Paused:    u.Paused,
			Registers: u.Registers,
			Scaled:    scaled,
			Disabled:  u.Disabled,
		}
		p.publish(ctx, "telemetry", TelemetryChannel(u.Unit), protocol.TypeUnitTelemetry, payload)
	}
}

func (p *Publisher) publishEvent(ctx context.Context, ev control.Event) {
	payload := protocol.ControlEventPayload{Operation: ev.Operation, Unit: ev.Unit}
	if ev.Detail != nil {
		data, err := json.Marshal(ev.Detail)
		if err != nil {
			log.Printf("telemetry: marshal %s detail: %v", ev.Operation, err)
			return
		}
		payload.Detail = data
	}
	p.publish(ctx, "events", ChannelEvents, protocol.TypeControlEvent, payload)
}

// beat publishes a heartbeat and refreshes the presence key.
func (p *Publisher) beat(ctx context.Context) {
	st := p.plane.GetStatus()
	status := "running"
	if st.Paused {
		status = "paused"
	}
	payload := protocol.HeartbeatPayload{
		Status:         status,
		UptimeSeconds:  int64(time.Since(p.started).Seconds()),
		Units:          p.plane.Units(),
		UpdateInterval: st.UpdateIntervalMs,
		ActiveSpikes:   len(st.ActiveSpikes),
		ModbusAddr:     p.cfg.ModbusAddr,
		Version:        p.cfg.Version,
	}
	p.publish(ctx, "heartbeat", ChannelHeartbeat, protocol.TypeServiceHeartbeat, payload)

	if err := p.rdb.Set(ctx, PresenceKey(p.cfg.Instance), "1", p.cfg.PresenceTTL).Err(); err != nil && ctx.Err() == nil {
		log.Printf("telemetry: presence refresh: %v", err)
	}
}

// publish wraps payload in an envelope and publishes it. label names the
// channel family in metrics.
func (p *Publisher) publish(ctx context.Context, label, channel, msgType string, payload interface{}) {
	msg, err := protocol.NewMessage(p.source(), msgType, payload)
	if err != nil {
		log.Printf("telemetry: build %s: %v", msgType, err)
		return
	}
	p.send(ctx, label, channel, msg)
}

func (p *Publisher) send(ctx context.Context, label, channel string, msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("telemetry: marshal %s: %v", msg.Envelope.Type, err)
		return
	}
	err = p.rdb.Publish(ctx, channel, string(data)).Err()
	if ctx.Err() != nil {
		return
	}
	p.metrics.TelemetryPublished(label, err)
	if err != nil && (p.health == nil || p.health.IsConnected()) {
		log.Printf("telemetry: publish %s on %s: %v", msg.Envelope.Type, channel, err)
	}
}
