// Package events publishes document changes to NATS.
//
// Each change is published as JSON to the subject {prefix}.{path}, so a
// subscriber to "statekeeper.state.learning.>" sees every learning update:
//
//	statekeeper.state.game.chips.total
//	statekeeper.state.learning.patterns.powershell_syntax_error|check_try_catch
//
// Publishing never blocks the document: changes are queued and a full queue
// drops the change with a warning.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/statekeeper/internal/document"
)

// Config configures a Publisher.
type Config struct {
	// SubjectPrefix is prepended to every change path (default: statekeeper.state)
	SubjectPrefix string

	// QueueSize bounds buffered changes (default: 1024)
	QueueSize int

	// Stream, when set, is a JetStream stream created over the prefix so
	// changes are retained.
	Stream string

	// FlushTimeout bounds the final flush on Close (default: 5s)
	FlushTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SubjectPrefix: "statekeeper.state",
		QueueSize:     1024,
		FlushTimeout:  5 * time.Second,
	}
}

// ChangeEvent is the published payload.
type ChangeEvent struct {
	Path    string          `json:"path"`
	Old     *document.Value `json:"old,omitempty"`
	New     *document.Value `json:"new,omitempty"`
	HadOld  bool            `json:"hadOld"`
	Deleted bool            `json:"deleted"`
	At      int64           `json:"at"`
}

// Publisher forwards document changes to NATS.
type Publisher struct {
	nc      *nats.Conn
	cfg     Config
	queue   chan document.Change
	done    chan struct{}
	logger  *zap.Logger
	metrics *Metrics

	mu     sync.RWMutex
	closed bool
}

// Connect dials NATS with reconnect settings suitable for a daemon. Extra
// options, such as credentials, are applied after the defaults.
func Connect(url string, logger *zap.Logger, opts ...nats.Option) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := []nats.Option{
		nats.Name("statekeeperd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NewPublisher starts a publisher on nc. The connection stays owned by the caller.
func NewPublisher(nc *nats.Conn, cfg *Config, logger *zap.Logger) (*Publisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "statekeeper.state"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Publisher{
		nc:      nc,
		cfg:     c,
		queue:   make(chan document.Change, c.QueueSize),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: NewMetrics(),
	}
	if c.Stream != "" {
		if err := p.ensureStream(); err != nil {
			return nil, err
		}
	}
	go p.run()
	return p, nil
}

// ensureStream creates the retention stream unless it already exists.
func (p *Publisher) ensureStream() error {
	js, err := p.nc.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	_, err = js.StreamInfo(p.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", p.cfg.Stream, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     p.cfg.Stream,
		Subjects: []string{p.cfg.SubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", p.cfg.Stream, err)
	}
	p.logger.Info("created change stream",
		zap.String("stream", p.cfg.Stream),
		zap.String("subjects", p.cfg.SubjectPrefix+".>"),
	)
	return nil
}

// Subject returns the subject a change at path is published to.
func (p *Publisher) Subject(path string) string {
	return p.cfg.SubjectPrefix + "." + path
}

// Observe queues a change. It is a document.Listener and never blocks.
func (p *Publisher) Observe(c document.Change) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- c:
	default:
		p.metrics.Dropped.Inc()
		p.logger.Warn("change event dropped, publish queue full", zap.String("path", c.Path))
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for c := range p.queue {
		p.publish(c)
	}
}

func (p *Publisher) publish(c document.Change) {
	ev := ChangeEvent{
		Path:    c.Path,
		HadOld:  c.HadOld,
		Deleted: c.Deleted,
		At:      c.At.UnixMilli(),
	}
	if c.HadOld {
		old := c.Old
		ev.Old = &old
	}
	if !c.Deleted {
		next := c.New
		ev.New = &next
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.metrics.Failed.Inc()
		p.logger.Warn("change event not encodable", zap.String("path", c.Path), zap.Error(err))
		return
	}
	if err := p.nc.Publish(p.Subject(c.Path), data); err != nil {
		p.metrics.Failed.Inc()
		p.logger.Warn("publish change event", zap.String("path", c.Path), zap.Error(err))
		return
	}
	p.metrics.Published.Inc()
}

// Close drains queued changes and flushes the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	if p.nc.IsClosed() {
		return nil
	}
	if err := p.nc.FlushTimeout(p.cfg.FlushTimeout); err != nil {
		return fmt.Errorf("flush change events: %w", err)
	}
	return nil
}
