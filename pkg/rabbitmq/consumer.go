/**
 * @description
 * A RabbitMQ consumer that binds one durable queue to a topic exchange under
 * several routing keys and dispatches deliveries to per-key handlers.
 *
 * @notes
 * - Handlers return true to ack. Returning false nacks with requeue, so a
 *   handler must be safe to run again for the same message.
 */

package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery body.
type Handler func(body []byte) bool

// Consumer holds the connection and channel for RabbitMQ.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

// NewConsumer creates and returns a new RabbitMQ consumer.
func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
	cleanURL, err := SanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger}, nil
}

// ConsumeWithBindings declares exchange and queue, binds every routing key in
// handlers and blocks delivering messages until ctx is cancelled or the
// channel closes.
func (c *Consumer) ConsumeWithBindings(ctx context.Context, exchange, queueName string, handlers map[string]Handler) error {
	if len(handlers) == 0 {
		return errors.New("at least one routing key handler is required")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return amqp.ErrClosed
			}
			handler, found := handlerFor(handlers, d.RoutingKey)
			if !found {
				c.logger.Warn("no handler for routing key; dropping", "routing_key", d.RoutingKey, "queue", q.Name)
				_ = d.Ack(false)
				continue
			}
			if handler(d.Body) {
				_ = d.Ack(false)
				continue
			}
			c.logger.Warn("handler failed; requeueing", "routing_key", d.RoutingKey, "queue", q.Name)
			_ = d.Nack(false, true)
		}
	}
}

// Close closes the RabbitMQ channel and connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

func handlerFor(handlers map[string]Handler, routingKey string) (Handler, bool) {
	if h, ok := handlers[routingKey]; ok {
		return h, true
	}
	for pattern, h := range handlers {
		if MatchTopic(pattern, routingKey) {
			return h, true
		}
	}
	return nil, false
}

// MatchTopic applies AMQP topic rules: "*" matches one word, "#" matches zero
// or more words.
func MatchTopic(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
