package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/google/uuid"

	"github.com/gitpancake/invaders.producer/internal/flash"
)

// AMQPQueue delivers records as durable, persistent messages on a RabbitMQ
// queue. The message body is the full record serialized as JSON with field
// names preserved; consumers are assumed idempotent (at-least-once).
type AMQPQueue struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queueName string
}

func NewAMQPQueue(url, queueName string) (*AMQPQueue, error) {
	url = strings.TrimSpace(url)
	queueName = strings.TrimSpace(queueName)
	if url == "" || queueName == "" {
		return nil, fmt.Errorf("amqp url and queue name are required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	return &AMQPQueue{
		conn:      conn,
		channel:   channel,
		queueName: queueName,
	}, nil
}

func (q *AMQPQueue) Publish(ctx context.Context, record flash.Record) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal flash %d: %w", record.FlashID, err)
	}
	err = q.channel.PublishWithContext(ctx, "", q.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish flash %d: %w", record.FlashID, err)
	}
	return nil
}

func (q *AMQPQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
