package invalidation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hylla/fieldsync/internal/app"
	"github.com/hylla/fieldsync/internal/domain"
	"github.com/nats-io/nats.go"
)

// NATSConfig configures the relay connection.
type NATSConfig struct {
	URL            string
	SubjectPrefix  string
	ConnectTimeout time.Duration
}

// natsConn is the part of *nats.Conn the relay uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// envelope is the wire form of a relayed event.
type envelope struct {
	Origin string                   `json:"origin"`
	Event  domain.InvalidationEvent `json:"event"`
}

// NATSRelay mirrors local invalidation events to NATS subjects named
// <prefix>.<entity_type> and injects events published by other processes into
// the local bus. Events carry an origin id so a relay ignores its own echo.
type NATSRelay struct {
	bus    *Bus
	conn   natsConn
	closer func()
	prefix string
	origin string
	logger app.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// DialNATS connects to NATS and starts relaying for bus.
func DialNATS(bus *Bus, cfg NATSConfig, logger app.Logger) (*NATSRelay, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("fieldsync"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	relay, err := newRelay(bus, conn, conn.Close, cfg.SubjectPrefix, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return relay, nil
}

func newRelay(bus *Bus, conn natsConn, closer func(), prefix string, logger app.Logger) (*NATSRelay, error) {
	if bus == nil {
		return nil, errors.New("relay requires a bus")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "fieldsync.invalidate"
	}
	r := &NATSRelay{
		bus:    bus,
		conn:   conn,
		closer: closer,
		prefix: prefix,
		origin: uuid.NewString(),
		logger: logger,
	}
	sub, err := conn.Subscribe(prefix+".>", r.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", prefix, err)
	}
	r.sub = sub
	bus.Attach(r.forward)
	return r, nil
}

// Subject returns the subject an event is relayed on.
func (r *NATSRelay) Subject(evt domain.InvalidationEvent) string {
	topic := string(evt.EntityType)
	if topic == "" {
		topic = string(evt.Kind)
	}
	return r.prefix + "." + topic
}

func (r *NATSRelay) forward(evt domain.InvalidationEvent) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}
	data, err := json.Marshal(envelope{Origin: r.origin, Event: evt})
	if err != nil {
		r.warn("encode relayed event", err)
		return
	}
	if err := conn.Publish(r.Subject(evt), data); err != nil {
		r.warn("publish relayed event", err)
	}
}

func (r *NATSRelay) receive(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.warn("decode relayed event", err)
		return
	}
	if env.Origin == r.origin {
		return
	}
	// Sequence numbers belong to the producing process's change ledger.
	env.Event.Seq = 0
	r.bus.Inject(env.Event)
}

func (r *NATSRelay) warn(msg string, err error) {
	if r.logger != nil {
		r.logger.Warn(msg, "err", err)
	}
}

// Close stops relaying and closes the connection.
func (r *NATSRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	var err error
	if r.sub != nil {
		err = r.sub.Unsubscribe()
	}
	r.conn = nil
	if r.closer != nil {
		r.closer()
	}
	return err
}
