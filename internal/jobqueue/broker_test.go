package jobqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobq/shared/rabbitmq"
	"github.com/cuongbtq/jobq/shared/rabbitmq/rabbitmqtest"
)

func newTestBroker(t *testing.T) (*Broker, *rabbitmqtest.Broker) {
	t.Helper()
	fake := rabbitmqtest.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := rabbitmq.NewManager(&rabbitmq.Config{RetryAttempts: 1, RetryInterval: time.Millisecond}, logger, rabbitmq.WithDialer(fake.Dial))
	b := NewBroker(mgr, logger)
	t.Cleanup(func() { _ = b.Close() })
	return b, fake
}

func TestBroker_InitTopology(t *testing.T) {
	b, fake := newTestBroker(t)
	ctx := context.Background()
	tenants := []string{"dev", "prod"}

	// idempotent
	require.NoError(t, b.InitTopology(ctx, tenants))
	require.NoError(t, b.InitTopology(ctx, tenants))

	for _, name := range []string{DeadExchange(), AltExchange(), CmdExchange(AllTenants), EventExchange(AllTenants)} {
		assert.True(t, fake.HasExchange(name), name)
	}
	for _, tenant := range tenants {
		for _, name := range []string{SubmitExchange(tenant), CmdExchange(tenant), EventExchange(tenant), RecoveryExchange(tenant)} {
			assert.True(t, fake.HasExchange(name), name)
			assert.Equal(t, AltExchange(), fake.ExchangeArgs(name)[rabbitmq.ArgAlternateExchange], name)
		}
		assert.True(t, fake.HasQueue(RecoveryQueue(tenant)))
		assert.Equal(t, DeadExchange(), fake.QueueArgs(RecoveryQueue(tenant))[rabbitmq.ArgDeadLetterExchange])
		assert.True(t, fake.HasQueue(EventTopic(tenant)))
	}
	assert.True(t, fake.HasQueue(DeadQueue()))
	assert.True(t, fake.HasQueue(AltQueue()))
	assert.Equal(t, 0, fake.OpenChannels())
}

func TestBroker_InitTopology_InvalidTenant(t *testing.T) {
	b, fake := newTestBroker(t)

	err := b.InitTopology(context.Background(), []string{"dev", "bad.tenant"})

	var qerr *QueueError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "init topology", qerr.Op)
	assert.Equal(t, 0, fake.Dials())
}

func TestBroker_PostToQueue(t *testing.T) {
	b, fake := newTestBroker(t)
	ctx := context.Background()
	tenants := []string{"dev", "prod"}
	require.NoError(t, b.InitTopology(ctx, tenants))
	require.NoError(t, b.DeclareSubmitQueue(ctx, tenants, DefaultQueueName))

	assert.ElementsMatch(t, []rabbitmqtest.Binding{
		{Exchange: SubmitExchange("dev"), Key: DefaultQueueName},
		{Exchange: SubmitExchange("prod"), Key: DefaultQueueName},
	}, fake.Bindings(DefaultQueueName))

	msg := NewJobSubmitMsg("api", "prod", "job-1")
	require.NoError(t, b.PostToQueue(ctx, "prod", DefaultQueueName, msg))

	pending := fake.Pending(DefaultQueueName)
	require.Len(t, pending, 1)
	decoded, err := DecodeCommand(pending[0])
	require.NoError(t, err)
	assert.Equal(t, "job-1", decoded.(JobSubmitMsg).JobUUID)

	published := fake.PublishedTo(SubmitExchange("prod"))
	require.Len(t, published, 1)
	assert.True(t, published[0].Persistent)
	assert.Equal(t, string(TypeJobSubmit), published[0].Type)
	assert.Equal(t, msg.MsgID, published[0].MessageID)
}

func TestBroker_UnroutableGoesToAltQueue(t *testing.T) {
	b, fake := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.InitTopology(ctx, []string{"dev"}))

	require.NoError(t, b.PostToQueue(ctx, "dev", "tapis.jobq.submit.NoSuchQueue", NewJobSubmitMsg("api", "dev", "job-1")))

	assert.Len(t, fake.Pending(AltQueue()), 1)
}

func TestBroker_MissingTenant(t *testing.T) {
	b, fake := newTestBroker(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"post to queue", func() error { return b.PostToQueue(ctx, "", DefaultQueueName, NewJobSubmitMsg("api", "", "j")) }},
		{"post recovery", func() error { return b.PostRecovery(ctx, NewJobRecoveryMsg("w", "", "j", "RUNNING", "x")) }},
		{"post job command", func() error { return b.PostJobCommand(ctx, "", "j", NewJobCancelMsg("api", "j")) }},
		{"post event", func() error { return b.PostEvent(ctx, "", KeyEventSubscriber, NewJobEventMsg("w", "", "j", "RUNNING", "")) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var qerr *QueueError
			require.ErrorAs(t, err, &qerr)
			assert.ErrorIs(t, err, ErrMissingTenant)
		})
	}
	assert.Equal(t, 0, fake.Dials())
}

func TestBroker_PublishFailureClosesChannel(t *testing.T) {
	b, fake := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.InitTopology(ctx, []string{"dev"}))

	boom := errors.New("connection reset")
	fake.FailPublish(boom)

	err := b.PostRecovery(ctx, NewJobRecoveryMsg("w", "dev", "j", "RUNNING", "x"))

	var qerr *QueueError
	require.ErrorAs(t, err, &qerr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, fake.OpenChannels())

	// missing exchange fails at the broker
	fake.FailPublish(nil)
	err = b.PostToTopic(ctx, "tapis.jobq.nobody.cmd.Exchange", NewJobCancelMsg("api", "j"), JobRoutingKey("j"))
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, 0, fake.OpenChannels())
}

func TestBroker_PostRecovery(t *testing.T) {
	b, fake := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.InitTopology(ctx, []string{"dev"}))

	require.NoError(t, b.PostRecovery(ctx, NewJobRecoveryMsg("w", "dev", "job-9", "STAGING_JOB", "ssh timeout")))

	pending := fake.Pending(RecoveryQueue("dev"))
	require.Len(t, pending, 1)
	msg, err := DecodeCommand(pending[0])
	require.NoError(t, err)
	rec := msg.(JobRecoveryMsg)
	assert.Equal(t, "job-9", rec.JobUUID)
	assert.Equal(t, "STAGING_JOB", rec.BlockedPhase)
}

func amqpConfig() amqp.Config {
	return amqp.Config{}
}

func declareWorkerTopic(t *testing.T, fake *rabbitmqtest.Broker, name, uuid string) {
	t.Helper()
	conn, err := fake.Dial("", amqpConfig())
	require.NoError(t, err)
	ch, err := conn.OpenChannel()
	require.NoError(t, err)
	spec := WorkerTopicSpec(name, uuid)
	require.NoError(t, rabbitmq.DeclareExchangeAndQueue(ch, spec.Exchange, spec.Queue, spec.BindingKeys...))
	require.NoError(t, conn.Close())
}

func TestBroker_WorkerCommandRouting(t *testing.T) {
	b, fake := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.InitTopology(ctx, []string{"dev"}))

	declareWorkerTopic(t, fake, "wkr-a", "uuid-a")
	declareWorkerTopic(t, fake, "wkr-b", "uuid-b")

	require.NoError(t, b.PostWorkerCommand(ctx, "uuid-a", NewWorkerSuspendMsg("api", "uuid-a")))
	assert.Len(t, fake.Pending(WorkerCmdTopic("wkr-a")), 1)
	assert.Empty(t, fake.Pending(WorkerCmdTopic("wkr-b")))

	require.NoError(t, b.PostWorkerCommand(ctx, "", NewWorkerShutdownMsg("api", "", "maintenance")))
	assert.Len(t, fake.Pending(WorkerCmdTopic("wkr-a")), 2)
	assert.Len(t, fake.Pending(WorkerCmdTopic("wkr-b")), 1)

	b.UnbindWorkerTopic(ctx, "wkr-a", "uuid-a")
	require.NoError(t, b.PostWorkerCommand(ctx, "uuid-a", NewWorkerResumeMsg("api", "uuid-a")))
	assert.Len(t, fake.Pending(WorkerCmdTopic("wkr-a")), 2)
	assert.Len(t, fake.Pending(AltQueue()), 1)
}

func TestBroker_UnbindWorkerTopic_BestEffort(t *testing.T) {
	b, _ := newTestBroker(t)

	// nothing declared; must not panic or return anything
	b.UnbindWorkerTopic(context.Background(), "wkr-a", "uuid-a")
}

func TestBroker_DeleteTopic(t *testing.T) {
	b, fake := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.InitTopology(ctx, []string{"dev"}))

	conn, err := fake.Dial("", amqpConfig())
	require.NoError(t, err)
	ch, err := conn.OpenChannel()
	require.NoError(t, err)
	spec := JobTopicSpec("dev", "job-1")
	require.NoError(t, rabbitmq.DeclareExchangeAndQueue(ch, spec.Exchange, spec.Queue, spec.BindingKeys...))
	require.NoError(t, conn.Close())

	require.NoError(t, b.PostJobCommand(ctx, "dev", "job-1", NewJobCancelMsg("api", "job-1")))
	assert.Len(t, fake.Pending(JobCmdTopic("dev", "job-1")), 1)

	require.NoError(t, b.DeleteTopic(ctx, JobCmdTopic("dev", "job-1")))
	assert.False(t, fake.HasQueue(JobCmdTopic("dev", "job-1")))
	require.NoError(t, b.DeleteTopic(ctx, JobCmdTopic("dev", "job-1")))
}
