package bus

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/coachpo/tradecore/errs"
)

// AMQPTransport dials a RabbitMQ broker.
type AMQPTransport struct {
	url string
}

// NewAMQPTransport builds a transport for the given broker endpoint.
func NewAMQPTransport(host string, port int, username, password string) *AMQPTransport {
	return &AMQPTransport{
		url: fmt.Sprintf("amqp://%s:%s@%s:%d/", username, password, host, port),
	}
}

// Dial opens a connection and a channel with per-message acknowledgement
// flow control.
func (t *AMQPTransport) Dial(_ context.Context) (Channel, error) {
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return nil, errs.New("bus", errs.CodeTransport, errs.WithMessage("dial broker"), errs.WithCause(err))
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errs.New("bus", errs.CodeTransport, errs.WithMessage("open channel"), errs.WithCause(err))
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return nil, errs.New("bus", errs.CodeTransport, errs.WithMessage("set qos"), errs.WithCause(err))
	}
	return &amqpChannel{conn: conn, ch: ch}, nil
}

type amqpChannel struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (c *amqpChannel) DeclareTopicExchange(name string) error {
	if err := c.ch.ExchangeDeclare(name, "topic", false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

func (c *amqpChannel) DeclareQueue(name string, durable, autoDelete, exclusive bool) (string, error) {
	queue, err := c.ch.QueueDeclare(name, durable, autoDelete, exclusive, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare queue %q: %w", name, err)
	}
	return queue.Name, nil
}

func (c *amqpChannel) BindQueue(queue, exchange, routingKey string) error {
	if err := c.ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s with %s: %w", queue, exchange, routingKey, err)
	}
	return nil
}

func (c *amqpChannel) Consume(queue string, autoAck bool) (<-chan Delivery, error) {
	inbound, err := c.ch.Consume(queue, "", autoAck, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for msg := range inbound {
			out <- Delivery{
				Exchange:   msg.Exchange,
				RoutingKey: msg.RoutingKey,
				Body:       msg.Body,
				Tag:        msg.DeliveryTag,
			}
		}
	}()
	return out, nil
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	err := c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/octet-stream",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

func (c *amqpChannel) Ack(tag uint64) error {
	if err := c.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("ack %d: %w", tag, err)
	}
	return nil
}

func (c *amqpChannel) Alive() bool {
	return c.conn != nil && !c.conn.IsClosed() && c.ch != nil && !c.ch.IsClosed()
}

func (c *amqpChannel) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
