package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/Tyrowin/taskboard/internal/chanalloc"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBus maps each chat group onto a RabbitMQ fanout exchange. Every
// listener gets its own exclusive, auto-deleted queue bound to it.
type AMQPBus struct {
	conn *amqp.Connection

	mu  sync.Mutex
	pub *amqp.Channel
}

// NewAMQPBus wraps an open connection.
func NewAMQPBus(conn *amqp.Connection) *AMQPBus {
	return &AMQPBus{conn: conn}
}

// ExchangeName is the exchange used for ch.
func ExchangeName(ch chanalloc.Channel) string {
	return fmt.Sprintf("taskboard.chat.%s.%d", ch.Address, ch.Port)
}

func declareExchange(c *amqp.Channel, name string) error {
	return c.ExchangeDeclare(name, amqp.ExchangeFanout, false, true, false, false, nil)
}

func (b *AMQPBus) publisher() (*amqp.Channel, error) {
	if b.pub != nil && !b.pub.IsClosed() {
		return b.pub, nil
	}
	c, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	b.pub = c
	return c, nil
}

// Publish sends text to the exchange of ch.
func (b *AMQPBus) Publish(ctx context.Context, ch chanalloc.Channel, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.publisher()
	if err != nil {
		return err
	}
	name := ExchangeName(ch)
	if err := declareExchange(c, name); err != nil {
		return fmt.Errorf("declare %s: %w", name, err)
	}
	return c.PublishWithContext(ctx, name, "", false, false, amqp.Publishing{
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(truncate(text)),
	})
}

type amqpSubscription struct {
	ch   *amqp.Channel
	msgs chan string
	once sync.Once
}

func (s *amqpSubscription) Messages() <-chan string { return s.msgs }

func (s *amqpSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.ch.Close() })
	return err
}

// Subscribe binds a private queue to the exchange of ch.
func (b *AMQPBus) Subscribe(_ context.Context, ch chanalloc.Channel) (Subscription, error) {
	c, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	name := ExchangeName(ch)

	fail := func(step string, err error) (Subscription, error) {
		_ = c.Close()
		return nil, fmt.Errorf("%s %s: %w", step, name, err)
	}
	if err := declareExchange(c, name); err != nil {
		return fail("declare", err)
	}
	q, err := c.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fail("declare queue for", err)
	}
	if err := c.QueueBind(q.Name, "", name, false, nil); err != nil {
		return fail("bind queue to", err)
	}
	deliveries, err := c.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}

	sub := &amqpSubscription{ch: c, msgs: make(chan string, 64)}
	go func() {
		defer close(sub.msgs)
		for d := range deliveries {
			select {
			case sub.msgs <- string(d.Body):
			default:
			}
		}
	}()
	return sub, nil
}

// Close closes the publishing channel and the connection.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub != nil {
		_ = b.pub.Close()
	}
	return b.conn.Close()
}
