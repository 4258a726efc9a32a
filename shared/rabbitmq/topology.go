package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange kinds
const (
	KindDirect = amqp.ExchangeDirect
	KindTopic  = amqp.ExchangeTopic
	KindFanout = amqp.ExchangeFanout
)

// Declaration argument keys
const (
	ArgAlternateExchange  = "alternate-exchange"
	ArgDeadLetterExchange = "x-dead-letter-exchange"
)

// ExchangeSpec describes an exchange to declare
type ExchangeSpec struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool

	// AlternateExchange receives messages that match no binding
	AlternateExchange string
}

func (s ExchangeSpec) args() amqp.Table {
	if s.AlternateExchange == "" {
		return nil
	}
	return amqp.Table{ArgAlternateExchange: s.AlternateExchange}
}

// QueueSpec describes a queue to declare
type QueueSpec struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool

	// DeadLetterExchange receives rejected and expired messages
	DeadLetterExchange string
}

func (s QueueSpec) args() amqp.Table {
	if s.DeadLetterExchange == "" {
		return nil
	}
	return amqp.Table{ArgDeadLetterExchange: s.DeadLetterExchange}
}

// DeclareExchange declares an exchange. Re-declaring an identical
// exchange is a no-op on the broker.
func DeclareExchange(ch Channel, spec ExchangeSpec) error {
	err := ch.ExchangeDeclare(
		spec.Name,       // name
		spec.Kind,       // type
		spec.Durable,    // durable
		spec.AutoDelete, // auto-deleted
		false,           // internal
		false,           // no-wait
		spec.args(),     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", spec.Name, err)
	}
	return nil
}

// DeclareQueue declares a queue. Re-declaring an identical queue is a
// no-op on the broker.
func DeclareQueue(ch Channel, spec QueueSpec) error {
	_, err := ch.QueueDeclare(
		spec.Name,       // name
		spec.Durable,    // durable
		spec.AutoDelete, // delete when unused
		spec.Exclusive,  // exclusive
		false,           // no-wait
		spec.args(),     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", spec.Name, err)
	}
	return nil
}

// Bind binds queue to exchange under every key
func Bind(ch Channel, queue, exchange string, keys ...string) error {
	for _, key := range keys {
		if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s with key %q: %w", queue, exchange, key, err)
		}
	}
	return nil
}

// DeclareExchangeAndQueue declares exchange and queue and binds them.
// The whole operation is idempotent.
func DeclareExchangeAndQueue(ch Channel, exchange ExchangeSpec, queue QueueSpec, keys ...string) error {
	if err := DeclareExchange(ch, exchange); err != nil {
		return err
	}
	if err := DeclareQueue(ch, queue); err != nil {
		return err
	}
	return Bind(ch, queue.Name, exchange.Name, keys...)
}
