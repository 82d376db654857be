package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/streadway/amqp"
)

// amqpBroker publishes to a durable topic exchange over one channel.
type amqpBroker struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	closed   chan *amqp.Error
}

// AMQPDialer connects to url and declares exchange as a durable topic
// exchange.
func AMQPDialer(url, exchange string) Dialer {
	return func(ctx context.Context) (Broker, error) {
		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Dial:      amqp.DefaultDial(10 * time.Second),
		})
		if err != nil {
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("amqp channel: %w", err)
		}
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("amqp exchange %s: %w", exchange, err)
		}
		b := &amqpBroker{conn: conn, ch: ch, exchange: exchange}
		b.closed = conn.NotifyClose(make(chan *amqp.Error, 1))
		return b, nil
	}
}

func (b *amqpBroker) Publish(_ context.Context, m Message) error {
	return b.ch.Publish(b.exchange, m.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.ID,
		Type:         m.RoutingKey,
		Timestamp:    m.Time,
		Body:         m.Body,
	})
}

// Done fires when the server or network closes the connection.
func (b *amqpBroker) Done() <-chan error {
	out := make(chan error, 1)
	go func() {
		e, ok := <-b.closed
		if !ok || e == nil {
			out <- errors.New("amqp connection closed")
			return
		}
		out <- e
	}()
	return out
}

func (b *amqpBroker) Close() error {
	_ = b.ch.Close()
	return b.conn.Close()
}
