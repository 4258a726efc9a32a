package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is an outgoing JSON message
type Message struct {
	ID   string
	Type string
	Body []byte
}

// Publish publishes msg with persistent delivery mode
func Publish(ctx context.Context, ch Channel, exchange, routingKey string, msg Message) error {
	err := ch.PublishWithContext(
		ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Type:         msg.Type,
			Timestamp:    time.Now(),
			Body:         msg.Body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

// Delivery is one message handed from the broker callback to a
// processing goroutine
type Delivery struct {
	ConsumerTag string
	DeliveryTag uint64
	Exchange    string
	RoutingKey  string
	Redelivered bool
	Properties  Properties
	Body        []byte
}

// Properties are the AMQP basic properties the processors look at
type Properties struct {
	ContentType string
	MessageID   string
	Type        string
	Timestamp   time.Time
	Headers     amqp.Table
}

func newDelivery(d amqp.Delivery) *Delivery {
	return &Delivery{
		ConsumerTag: d.ConsumerTag,
		DeliveryTag: d.DeliveryTag,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		Properties: Properties{
			ContentType: d.ContentType,
			MessageID:   d.MessageId,
			Type:        d.Type,
			Timestamp:   d.Timestamp,
			Headers:     d.Headers,
		},
		Body: d.Body,
	}
}
