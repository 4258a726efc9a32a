package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobq/shared/rabbitmq"
)

var (
	// ErrMissingTenant is returned when a message cannot be routed
	// because no tenant was given
	ErrMissingTenant = errors.New("missing tenant")

	// ErrMissingExchange is returned when posting to an empty exchange name
	ErrMissingExchange = errors.New("missing exchange")
)

// QueueError is returned by every Broker operation that fails
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return "jobqueue " + e.Op + ": " + e.Err.Error()
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

func queueError(op string, err error) error {
	return &QueueError{Op: op, Err: err}
}

// Broker declares the job queue topology and posts messages onto it.
// Every operation opens its own channel and closes it before returning.
type Broker struct {
	mgr    *rabbitmq.Manager
	logger *slog.Logger
}

// NewBroker creates a new Broker on top of mgr
func NewBroker(mgr *rabbitmq.Manager, logger *slog.Logger) *Broker {
	return &Broker{
		mgr:    mgr,
		logger: logger,
	}
}

// OpenInChannel opens a consumer channel, making Broker a
// rabbitmq.ChannelOpener
func (b *Broker) OpenInChannel() (rabbitmq.Channel, error) {
	return b.mgr.OpenInChannel()
}

// InitTopology declares the global dead letter and alternate topology,
// the exchanges and queues of every tenant and the AllTenants command
// and event exchanges. It is safe to call repeatedly.
func (b *Broker) InitTopology(ctx context.Context, tenants []string) error {
	for _, tenant := range tenants {
		if err := ValidateTenant(tenant); err != nil {
			return queueError("init topology", err)
		}
	}

	err := b.mgr.WithOutChannel(func(ch rabbitmq.Channel) error {
		// the catch-all paths must exist before anything refers to them
		if err := rabbitmq.DeclareExchangeAndQueue(ch, deadExchangeSpec(), deadQueueSpec(), ""); err != nil {
			return err
		}
		if err := rabbitmq.DeclareExchangeAndQueue(ch, altExchangeSpec(), altQueueSpec(), ""); err != nil {
			return err
		}

		if err := declareCommandAndEvents(ch, AllTenants); err != nil {
			return err
		}

		for _, tenant := range tenants {
			if err := rabbitmq.DeclareExchange(ch, submitExchangeSpec(tenant)); err != nil {
				return err
			}
			if err := declareCommandAndEvents(ch, tenant); err != nil {
				return err
			}
			if err := rabbitmq.DeclareExchangeAndQueue(ch, recoveryExchangeSpec(tenant), recoveryQueueSpec(tenant), KeyRecovery); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return queueError("init topology", err)
	}

	b.logger.Info("Job queue topology initialized",
		slog.Int("tenant_count", len(tenants)),
	)
	return nil
}

func declareCommandAndEvents(ch rabbitmq.Channel, tenant string) error {
	if err := rabbitmq.DeclareExchange(ch, cmdExchangeSpec(tenant)); err != nil {
		return err
	}
	return rabbitmq.DeclareExchangeAndQueue(ch, eventExchangeSpec(tenant), eventTopicSpec(tenant), KeyEventSubscriber+anySuffix)
}

// DeclareSubmitQueue declares a durable submit queue and binds it to the
// submit exchange of every tenant with the queue name as routing key.
func (b *Broker) DeclareSubmitQueue(ctx context.Context, tenants []string, queueName string) error {
	if err := ValidateSubmitQueueName(queueName); err != nil {
		return queueError("declare submit queue", err)
	}
	if len(tenants) == 0 {
		return queueError("declare submit queue", ErrMissingTenant)
	}

	err := b.mgr.WithOutChannel(func(ch rabbitmq.Channel) error {
		for _, tenant := range tenants {
			if err := ValidateTenant(tenant); err != nil {
				return err
			}
			if err := rabbitmq.DeclareExchangeAndQueue(ch, submitExchangeSpec(tenant), submitQueueSpec(queueName), queueName); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return queueError("declare submit queue", err)
	}

	b.logger.Info("Submit queue declared",
		slog.String("queue", queueName),
		slog.Any("tenants", tenants),
	)
	return nil
}

// PostToQueue publishes msg to the submit exchange of tenant, routed to
// the named submit queue
func (b *Broker) PostToQueue(ctx context.Context, tenant, queueName string, msg Message) error {
	if tenant == "" {
		return queueError("post to queue", ErrMissingTenant)
	}
	return b.publish(ctx, "post to queue", SubmitExchange(tenant), queueName, msg)
}

// PostToTopic publishes msg to a topic exchange with routingKey
func (b *Broker) PostToTopic(ctx context.Context, exchange string, msg Message, routingKey string) error {
	if exchange == "" {
		return queueError("post to topic", ErrMissingExchange)
	}
	return b.publish(ctx, "post to topic", exchange, routingKey, msg)
}

// PostRecovery publishes msg to the recovery queue of its tenant
func (b *Broker) PostRecovery(ctx context.Context, msg JobRecoveryMsg) error {
	if msg.Tenant == "" {
		return queueError("post recovery", ErrMissingTenant)
	}
	return b.publish(ctx, "post recovery", RecoveryExchange(msg.Tenant), KeyRecovery, msg)
}

// PostJobCommand sends a command to whichever worker runs the job
func (b *Broker) PostJobCommand(ctx context.Context, tenant, jobUUID string, msg Message) error {
	if tenant == "" {
		return queueError("post job command", ErrMissingTenant)
	}
	return b.PostToTopic(ctx, CmdExchange(tenant), msg, JobRoutingKey(jobUUID))
}

// PostWorkerCommand sends a command to one worker, or to all workers
// when workerUUID is empty
func (b *Broker) PostWorkerCommand(ctx context.Context, workerUUID string, msg Message) error {
	key := KeyCmdWorker
	if workerUUID != "" {
		key = WorkerRoutingKey(workerUUID)
	}
	return b.PostToTopic(ctx, CmdExchange(AllTenants), msg, key)
}

// PostEvent publishes an event on the event exchange of tenant
func (b *Broker) PostEvent(ctx context.Context, tenant, routingKey string, msg Message) error {
	if tenant == "" {
		return queueError("post event", ErrMissingTenant)
	}
	return b.PostToTopic(ctx, EventExchange(tenant), msg, routingKey)
}

func (b *Broker) publish(ctx context.Context, op, exchange, routingKey string, msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return queueError(op, err)
	}

	err = b.mgr.WithOutChannel(func(ch rabbitmq.Channel) error {
		return rabbitmq.Publish(ctx, ch, exchange, routingKey, rabbitmq.Message{
			ID:   msg.MessageID(),
			Type: string(msg.MessageType()),
			Body: body,
		})
	})
	if err != nil {
		return queueError(op, err)
	}

	b.logger.Debug("Message published",
		slog.String("exchange", exchange),
		slog.String("routing_key", routingKey),
		slog.String("type", string(msg.MessageType())),
		slog.String("msg_id", msg.MessageID()),
	)
	return nil
}

// UnbindWorkerTopic removes the worker-specific binding of a worker's
// command topic. It runs during shutdown so errors are only logged.
func (b *Broker) UnbindWorkerTopic(ctx context.Context, workerName, workerUUID string) {
	topic := WorkerCmdTopic(workerName)
	err := b.mgr.WithOutChannel(func(ch rabbitmq.Channel) error {
		return ch.QueueUnbind(topic, WorkerBindingKey(workerUUID), CmdExchange(AllTenants), nil)
	})
	if err != nil {
		b.logger.Warn("Failed to unbind worker topic",
			slog.String("topic", topic),
			slog.String("worker_uuid", workerUUID),
			slog.Any("error", err),
		)
		return
	}
	b.logger.Info("Worker topic unbound",
		slog.String("topic", topic),
		slog.String("worker_uuid", workerUUID),
	)
}

// DeleteTopic deletes a command topic. Deleting a missing topic succeeds.
func (b *Broker) DeleteTopic(ctx context.Context, name string) error {
	err := b.mgr.WithOutChannel(func(ch rabbitmq.Channel) error {
		if _, err := ch.QueueDelete(name, false, false, false); err != nil {
			return fmt.Errorf("failed to delete %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return queueError("delete topic", err)
	}
	return nil
}

// Close closes the broker connections
func (b *Broker) Close() error {
	return b.mgr.Close()
}
