package bus

import "context"

// Delivery is one inbound message handed up by the transport.
type Delivery struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Tag        uint64
}

// Channel is one live broker channel. The Center owns it exclusively and
// never hands it to callers.
type Channel interface {
	DeclareTopicExchange(name string) error
	// DeclareQueue declares name and returns the effective queue name; an
	// empty name requests a broker-assigned exclusive queue.
	DeclareQueue(name string, durable, autoDelete, exclusive bool) (string, error)
	BindQueue(queue, exchange, routingKey string) error
	Consume(queue string, autoAck bool) (<-chan Delivery, error)
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	Ack(tag uint64) error
	Alive() bool
	Close() error
}

// Transport dials broker channels. The production implementation speaks
// AMQP 0-9-1; tests substitute an in-memory fake.
type Transport interface {
	Dial(ctx context.Context) (Channel, error)
}
