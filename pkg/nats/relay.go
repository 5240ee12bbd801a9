package nats

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mExOms/fxcore/pkg/bus"
	"github.com/mExOms/fxcore/pkg/types"
)

// Envelope is the wire form of a relayed event. Payload is the bus event
// struct marshalled inline, so consumers can decode by Kind.
type Envelope struct {
	Kind          types.EventKind `json:"kind"`
	CorrelationID string          `json:"correlation_id"`
	At            time.Time       `json:"at"`
	Payload       any             `json:"payload"`
}

// Relay subscribes to the in-process bus and republishes every mapped event
// to JetStream. Publish failures are logged and counted, never retried: the
// bus is the source of truth and the relay is best effort.
type Relay struct {
	client *Client
	bus    *bus.Bus
	logger *logrus.Entry

	sub      *bus.Subscription
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewRelay wires a relay between the bus and a connected client.
func NewRelay(client *Client, b *bus.Bus) *Relay {
	return &Relay{
		client: client,
		bus:    b,
		logger: logrus.WithField("component", "nats-relay"),
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to every event kind and begins forwarding.
func (r *Relay) Start() {
	r.sub = r.bus.Subscribe()
	r.wg.Add(1)
	go r.loop()
	r.logger.Info("relay started")
}

// Stop detaches from the bus and waits for in-flight publishes.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		if r.sub != nil {
			r.sub.Close()
		}
		close(r.stopCh)
	})
	r.wg.Wait()
}

// Published returns how many events reached JetStream.
func (r *Relay) Published() uint64 { return r.published.Load() }

// Failed returns how many publishes errored.
func (r *Relay) Failed() uint64 { return r.failed.Load() }

func (r *Relay) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case ev, ok := <-r.sub.Events():
			if !ok {
				return
			}
			r.forward(ev)
		}
	}
}

func (r *Relay) forward(ev types.Event) {
	subject := SubjectFor(ev)
	if subject == "" {
		return
	}
	data, err := json.Marshal(Envelope{
		Kind:          ev.Kind(),
		CorrelationID: ev.CorrelationID(),
		At:            ev.OccurredAt(),
		Payload:       ev,
	})
	if err != nil {
		r.failed.Add(1)
		r.logger.WithError(err).WithField("kind", ev.Kind()).Error("marshal event")
		return
	}
	if err := r.client.Publish(subject, data); err != nil {
		r.failed.Add(1)
		r.logger.WithError(err).WithField("subject", subject).Warn("relay publish failed")
		return
	}
	r.published.Add(1)
}
