// Package jobqueue derives the broker topology used by the job service and
// posts messages onto it.
//
// Every exchange, queue and topic name is a pure function of the prefix,
// a tenant id (or the reserved AllTenants pseudo tenant) and a worker name
// or job uuid. Tenant ids may not contain a dot, so no two tenants can
// produce the same name.
package jobqueue

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// Prefix starts every name owned by the job queue
	Prefix = "tapis.jobq."

	// SubmitQueuePrefix starts every submit queue name
	SubmitQueuePrefix = Prefix + "submit."

	// AllTenants is the reserved tenant of global topology
	AllTenants = "AllTenants"

	// DefaultQueueName receives jobs no queue filter selected
	DefaultQueueName = SubmitQueuePrefix + "DefaultQueue"
)

// Name suffixes
const (
	submitExchangeSuffix   = ".submit.Exchange"
	cmdExchangeSuffix      = ".cmd.Exchange"
	cmdTopicSuffix         = ".cmd.Topic"
	eventExchangeSuffix    = ".event.Exchange"
	eventTopicSuffix       = ".event.Topic"
	recoveryExchangeSuffix = ".recovery.Exchange"
	recoveryQueueSuffix    = ".recovery.Queue"
	altExchangeSuffix      = ".alt.Exchange"
	altQueueSuffix         = ".alt.Queue"
	deadExchangeSuffix     = ".dead.Exchange"
	deadQueueSuffix        = ".dead.Queue"
)

// Routing and binding keys
const (
	KeyCmdWorker       = "cmd.worker"
	KeyCmdWorkerID     = "cmd.worker.wid."
	KeyCmdJobID        = "cmd.worker.jid."
	KeyEventSubscriber = "event.subscriber"
	KeyEventWorkerID   = "event.subscriber.wid."
	KeyEventJobID      = "event.subscriber.jid."
	KeyRecovery        = "recovery"

	// wildcard suffix of binding keys
	anySuffix = ".#"
)

var (
	tenantPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	namePattern   = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// ValidateTenant checks that a tenant id is usable as a name component
func ValidateTenant(tenant string) error {
	if !tenantPattern.MatchString(tenant) {
		return fmt.Errorf("invalid tenant id %q: only letters, digits, '_' and '-' are allowed", tenant)
	}
	return nil
}

// ValidateSubmitQueueName checks a submit queue name
func ValidateSubmitQueueName(name string) error {
	if len(name) == 0 || len(name) > 255 {
		return fmt.Errorf("queue name must be 1 to 255 characters, got %d", len(name))
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("queue name %q contains characters other than letters, digits, '_', '.' and '-'", name)
	}
	if !strings.HasPrefix(name, SubmitQueuePrefix) {
		return fmt.Errorf("queue name %q must start with %q", name, SubmitQueuePrefix)
	}
	suffix := strings.TrimPrefix(name, SubmitQueuePrefix)
	if suffix == "" {
		return fmt.Errorf("queue name %q has nothing after %q", name, SubmitQueuePrefix)
	}
	if strings.Contains(suffix, ".") {
		return fmt.Errorf("queue name %q may not contain '.' after %q", name, SubmitQueuePrefix)
	}
	return nil
}

// SubmitExchange returns the exchange jobs of tenant are submitted to
func SubmitExchange(tenant string) string { return Prefix + tenant + submitExchangeSuffix }

// CmdExchange returns the command topic exchange of tenant
func CmdExchange(tenant string) string { return Prefix + tenant + cmdExchangeSuffix }

// EventExchange returns the event topic exchange of tenant
func EventExchange(tenant string) string { return Prefix + tenant + eventExchangeSuffix }

// EventTopic returns the default event topic of tenant
func EventTopic(tenant string) string { return Prefix + tenant + eventTopicSuffix }

// RecoveryExchange returns the recovery exchange of tenant
func RecoveryExchange(tenant string) string { return Prefix + tenant + recoveryExchangeSuffix }

// RecoveryQueue returns the recovery queue of tenant
func RecoveryQueue(tenant string) string { return Prefix + tenant + recoveryQueueSuffix }

// AltExchange returns the global alternate exchange
func AltExchange() string { return Prefix + AllTenants + altExchangeSuffix }

// AltQueue returns the queue unroutable messages end up in
func AltQueue() string { return Prefix + AllTenants + altQueueSuffix }

// DeadExchange returns the global dead letter exchange
func DeadExchange() string { return Prefix + AllTenants + deadExchangeSuffix }

// DeadQueue returns the queue rejected messages end up in
func DeadQueue() string { return Prefix + AllTenants + deadQueueSuffix }

// WorkerCmdTopic returns the command topic of a named worker
func WorkerCmdTopic(workerName string) string {
	return Prefix + AllTenants + ".wkr." + workerName + cmdTopicSuffix
}

// JobCmdTopic returns the ephemeral command topic of a job
func JobCmdTopic(tenant, jobUUID string) string {
	return Prefix + tenant + ".job." + jobUUID + cmdTopicSuffix
}

// WorkerRoutingKey addresses a command to one worker
func WorkerRoutingKey(workerUUID string) string { return KeyCmdWorkerID + workerUUID }

// WorkerBindingKey matches every command addressed to one worker
func WorkerBindingKey(workerUUID string) string { return WorkerRoutingKey(workerUUID) + anySuffix }

// JobRoutingKey addresses a command to one job
func JobRoutingKey(jobUUID string) string { return KeyCmdJobID + jobUUID }

// JobBindingKey matches every command addressed to one job
func JobBindingKey(jobUUID string) string { return JobRoutingKey(jobUUID) + anySuffix }

// EventWorkerKey routes an event about one worker
func EventWorkerKey(workerUUID string) string { return KeyEventWorkerID + workerUUID }

// EventJobKey routes an event about one job
func EventJobKey(jobUUID string) string { return KeyEventJobID + jobUUID }
