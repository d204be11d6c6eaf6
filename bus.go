package presence

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Bus provides pub/sub messaging between clients of a bucket, scoped under
// the bucket's subject namespace. It rides the tracker's connection so
// presence and messaging share one substrate handle.
type Bus struct {
	tracker *Tracker

	subs   []*Subscription
	subsMu sync.Mutex
}

// Msg represents a message received from the bus.
type Msg struct {
	Subject      string
	Data         []byte
	SourceClient string

	raw *nats.Msg
}

// Respond replies to a request message. It fails when the message was not a
// request.
func (m *Msg) Respond(data []byte) error {
	if m.raw == nil || m.raw.Reply == "" {
		return fmt.Errorf("message has no reply subject")
	}
	return m.raw.Respond(data)
}

// Subscription represents a subscription to bus messages. Messages arrive on
// C until Unsubscribe (or Tracker.Close) closes it.
type Subscription struct {
	sub *nats.Subscription
	ch  chan *Msg

	mu     sync.Mutex
	closed bool
}

func newBus(t *Tracker) *Bus {
	return &Bus{
		tracker: t,
		subs:    make([]*Subscription, 0),
	}
}

// subject expands a caller subject into the bucket's bus namespace:
// presence_<bucket>.bus.<subject>.
func (b *Bus) subject(subject string) string {
	return fmt.Sprintf("%s.bus.%s", b.tracker.cfg.ServiceName(), subject)
}

// Publish publishes a message to the bucket's bus.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	nc := b.tracker.Conn()
	if nc == nil {
		return ErrNotStarted
	}

	msg := &nats.Msg{
		Subject: b.subject(subject),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("X-Client", b.tracker.cfg.ClientID)
	msg.Header.Set("X-Bucket", b.tracker.cfg.Bucket)

	return nc.PublishMsg(msg)
}

// Request sends a request on the bucket's bus and waits for a single reply.
func (b *Bus) Request(ctx context.Context, subject string, data []byte) (*Msg, error) {
	nc := b.tracker.Conn()
	if nc == nil {
		return nil, ErrNotStarted
	}

	msg := &nats.Msg{
		Subject: b.subject(subject),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("X-Client", b.tracker.cfg.ClientID)
	msg.Header.Set("X-Bucket", b.tracker.cfg.Bucket)

	reply, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return nil, err
	}

	return &Msg{
		Subject:      reply.Subject,
		Data:         reply.Data,
		SourceClient: reply.Header.Get("X-Client"),
		raw:          reply,
	}, nil
}

// Subscribe subscribes to bus messages matching the pattern. Wildcards are
// allowed. Messages are dropped when the subscriber's channel is full.
func (b *Bus) Subscribe(pattern string) (*Subscription, error) {
	nc := b.tracker.Conn()
	if nc == nil {
		return nil, ErrNotStarted
	}

	s := &Subscription{ch: make(chan *Msg, 64)}

	sub, err := nc.Subscribe(b.subject(pattern), func(msg *nats.Msg) {
		s.deliver(&Msg{
			Subject:      msg.Subject,
			Data:         msg.Data,
			SourceClient: msg.Header.Get("X-Client"),
			raw:          msg,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subject(pattern), err)
	}
	s.sub = sub

	b.subsMu.Lock()
	b.subs = append(b.subs, s)
	b.subsMu.Unlock()

	return s, nil
}

// SubscribeDurable subscribes to bus messages through a durable JetStream
// consumer, replaying messages published while the subscriber was away.
func (b *Bus) SubscribeDurable(subject, consumerName string) (*DurableSubscription, error) {
	js := b.tracker.jsContext()
	if js == nil {
		return nil, ErrNotStarted
	}

	streamName := fmt.Sprintf("%s_bus", b.tracker.cfg.ServiceName())
	filterSubject := b.subject(subject)

	// Create or get the bus stream
	stream, err := js.CreateOrUpdateStream(context.Background(), jetstream.StreamConfig{
		Name:        streamName,
		Description: fmt.Sprintf("Bus messages for %s", b.tracker.cfg.Bucket),
		Subjects:    []string{b.subject(">")},
		Retention:   jetstream.LimitsPolicy,
		Storage:     b.tracker.storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bus stream: %w", err)
	}

	// Create durable consumer
	consumer, err := stream.CreateOrUpdateConsumer(context.Background(), jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return &DurableSubscription{
		bus:      b,
		consumer: consumer,
	}, nil
}

// C returns the channel for receiving messages.
func (s *Subscription) C() <-chan *Msg {
	return s.ch
}

// deliver hands a message to the subscriber, dropping it when the channel is
// full. Sends are serialized with Unsubscribe so no send can follow the
// channel close.
func (s *Subscription) deliver(m *Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- m:
	default:
	}
}

// Unsubscribe stops the subscription and closes its channel. It is safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	close(s.ch)
}

// DurableSubscription represents a durable subscription to bus messages.
type DurableSubscription struct {
	bus      *Bus
	consumer jetstream.Consumer
	msgs     jetstream.MessagesContext
}

// Messages returns a channel of messages.
func (d *DurableSubscription) Messages(ctx context.Context) (<-chan *Msg, error) {
	msgs, err := d.consumer.Messages()
	if err != nil {
		return nil, err
	}
	d.msgs = msgs

	ch := make(chan *Msg, 64)
	go func() {
		defer close(ch)
		for {
			msg, err := msgs.Next()
			if err != nil {
				return
			}

			m := &Msg{
				Subject:      msg.Subject(),
				Data:         msg.Data(),
				SourceClient: msg.Headers().Get("X-Client"),
			}

			select {
			case ch <- m:
				msg.Ack()
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// Stop stops the durable subscription.
func (d *DurableSubscription) Stop() {
	if d.msgs != nil {
		d.msgs.Stop()
	}
}

// Stop unsubscribes all subscriptions and closes their channels.
func (b *Bus) Stop() {
	b.subsMu.Lock()
	subs := b.subs
	b.subs = nil
	b.subsMu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
