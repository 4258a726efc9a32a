package jobqueue

import (
	"github.com/cuongbtq/jobq/shared/rabbitmq"
)

// Declarations must be identical wherever the same name is declared,
// otherwise the broker refuses the second one. Every declaration of a
// job queue exchange or queue therefore goes through these functions.

func deadExchangeSpec() rabbitmq.ExchangeSpec {
	return rabbitmq.ExchangeSpec{Name: DeadExchange(), Kind: rabbitmq.KindFanout, Durable: true}
}

func deadQueueSpec() rabbitmq.QueueSpec {
	return rabbitmq.QueueSpec{Name: DeadQueue(), Durable: true}
}

func altExchangeSpec() rabbitmq.ExchangeSpec {
	return rabbitmq.ExchangeSpec{Name: AltExchange(), Kind: rabbitmq.KindFanout, Durable: true}
}

func altQueueSpec() rabbitmq.QueueSpec {
	return rabbitmq.QueueSpec{Name: AltQueue(), Durable: true}
}

func submitExchangeSpec(tenant string) rabbitmq.ExchangeSpec {
	return rabbitmq.ExchangeSpec{Name: SubmitExchange(tenant), Kind: rabbitmq.KindDirect, Durable: true, AlternateExchange: AltExchange()}
}

func cmdExchangeSpec(tenant string) rabbitmq.ExchangeSpec {
	return rabbitmq.ExchangeSpec{Name: CmdExchange(tenant), Kind: rabbitmq.KindTopic, Durable: true, AlternateExchange: AltExchange()}
}

func eventExchangeSpec(tenant string) rabbitmq.ExchangeSpec {
	return rabbitmq.ExchangeSpec{Name: EventExchange(tenant), Kind: rabbitmq.KindTopic, Durable: true, AlternateExchange: AltExchange()}
}

func eventTopicSpec(tenant string) rabbitmq.QueueSpec {
	return rabbitmq.QueueSpec{Name: EventTopic(tenant), Durable: true, DeadLetterExchange: DeadExchange()}
}

func recoveryExchangeSpec(tenant string) rabbitmq.ExchangeSpec {
	return rabbitmq.ExchangeSpec{Name: RecoveryExchange(tenant), Kind: rabbitmq.KindDirect, Durable: true, AlternateExchange: AltExchange()}
}

func recoveryQueueSpec(tenant string) rabbitmq.QueueSpec {
	return rabbitmq.QueueSpec{Name: RecoveryQueue(tenant), Durable: true, DeadLetterExchange: DeadExchange()}
}

func submitQueueSpec(name string) rabbitmq.QueueSpec {
	return rabbitmq.QueueSpec{Name: name, Durable: true, DeadLetterExchange: DeadExchange()}
}

// SubmitConsumerSpec is consumed by job queue threads. The queue is bound
// to the tenant submit exchanges by DeclareSubmitQueue.
func SubmitConsumerSpec(queueName, consumerTag string) rabbitmq.ConsumerSpec {
	return rabbitmq.ConsumerSpec{
		Queue:       submitQueueSpec(queueName),
		ConsumerTag: consumerTag,
	}
}

// WorkerTopicSpec is consumed by the command topic thread of a worker. It
// receives commands for all workers and commands for this worker only.
func WorkerTopicSpec(workerName, workerUUID string) rabbitmq.ConsumerSpec {
	return rabbitmq.ConsumerSpec{
		Exchange:    cmdExchangeSpec(AllTenants),
		Queue:       rabbitmq.QueueSpec{Name: WorkerCmdTopic(workerName), Durable: true, DeadLetterExchange: DeadExchange()},
		BindingKeys: []string{KeyCmdWorker, WorkerBindingKey(workerUUID)},
		ConsumerTag: "wkr-" + workerUUID,
	}
}

// JobTopicSpec is consumed by the command listener of one job. The topic
// lives only while the job is processed.
func JobTopicSpec(tenant, jobUUID string) rabbitmq.ConsumerSpec {
	return rabbitmq.ConsumerSpec{
		Exchange:    cmdExchangeSpec(tenant),
		Queue:       rabbitmq.QueueSpec{Name: JobCmdTopic(tenant, jobUUID), AutoDelete: true, DeadLetterExchange: DeadExchange()},
		BindingKeys: []string{JobBindingKey(jobUUID)},
		ConsumerTag: "job-" + jobUUID,
	}
}
