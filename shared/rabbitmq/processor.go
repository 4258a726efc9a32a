package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed is returned when the broker ends a consumer
var ErrDeliveriesClosed = errors.New("rabbitmq deliveries channel closed")

// Processor handles one delivery. Returning true acks the message,
// false rejects it without requeue so it is dead-lettered. A non-nil
// error ends the consume loop with the delivery unsettled; the broker
// redelivers it once the channel is closed.
type Processor interface {
	Process(ctx context.Context, d *Delivery) (bool, error)
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, d *Delivery) (bool, error)

// Process calls f
func (f ProcessorFunc) Process(ctx context.Context, d *Delivery) (bool, error) {
	return f(ctx, d)
}

// ChannelOpener opens consumer channels
type ChannelOpener interface {
	OpenInChannel() (Channel, error)
}

// ConsumerSpec parameterizes a consume loop
type ConsumerSpec struct {
	Exchange    ExchangeSpec
	Queue       QueueSpec
	BindingKeys []string
	ConsumerTag string
}

// RunProcessor is the consume loop shared by every consumer type.
//
// It opens a channel, sets prefetch to 1, declares the topology in spec
// and starts consuming. A broker callback goroutine pushes deliveries onto
// a capacity-1 handoff channel; this goroutine takes them one at a time,
// calls proc and acks or rejects. RunProcessor returns nil when ctx is
// cancelled and an error for setup failures, processor failures or when
// the broker ends the consumer. The channel is closed on every exit path.
func RunProcessor(ctx context.Context, opener ChannelOpener, spec ConsumerSpec, proc Processor, logger *slog.Logger) (err error) {
	ch, err := opener.OpenInChannel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}

	defer func() {
		if err != nil {
			AbortChannel(ch, logger)
			return
		}
		if cerr := ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			logger.Warn("Failed to close consumer channel",
				slog.String("queue", spec.Queue.Name),
				slog.Any("error", cerr),
			)
		}
	}()

	// prefetch_count 1: a single unacknowledged message per channel
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	// queues bound elsewhere come without an exchange
	if spec.Exchange.Name == "" {
		err = DeclareQueue(ch, spec.Queue)
	} else {
		err = DeclareExchangeAndQueue(ch, spec.Exchange, spec.Queue, spec.BindingKeys...)
	}
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(
		spec.Queue.Name,      // queue
		spec.ConsumerTag,     // consumer tag
		false,                // auto-ack
		spec.Queue.Exclusive, // exclusive
		false,                // no-local
		false,                // no-wait
		nil,                  // args
	)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", spec.Queue.Name, err)
	}

	logger.Info("Consumer started",
		slog.String("queue", spec.Queue.Name),
		slog.String("exchange", spec.Exchange.Name),
		slog.Any("binding_keys", spec.BindingKeys),
		slog.String("consumer_tag", spec.ConsumerTag),
	)

	handoff := make(chan *Delivery, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		defer close(handoff)
		for d := range deliveries {
			select {
			case handoff <- newDelivery(d):
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Consumer stopping",
				slog.String("queue", spec.Queue.Name),
			)
			return nil

		case d, ok := <-handoff:
			if !ok {
				return fmt.Errorf("%w: queue %s", ErrDeliveriesClosed, spec.Queue.Name)
			}
			ack, err := proc.Process(ctx, d)
			if err != nil {
				return fmt.Errorf("failed to process delivery %d from %s: %w", d.DeliveryTag, spec.Queue.Name, err)
			}
			if err := settle(ch, d, ack); err != nil {
				return err
			}
		}
	}
}

// settle acks or rejects d
func settle(ch Channel, d *Delivery, ack bool) error {
	if ack {
		if err := ch.Ack(d.DeliveryTag, false); err != nil {
			return fmt.Errorf("failed to ack delivery %d: %w", d.DeliveryTag, err)
		}
		return nil
	}
	if err := ch.Reject(d.DeliveryTag, false); err != nil {
		return fmt.Errorf("failed to reject delivery %d: %w", d.DeliveryTag, err)
	}
	return nil
}
