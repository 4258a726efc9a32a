package jobqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates the JSON messages on the job queue
type MessageType string

// Message types
const (
	TypeJobSubmit      MessageType = "JOB_SUBMIT"
	TypeWorkerStatus   MessageType = "WKR_STATUS"
	TypeWorkerShutdown MessageType = "WKR_SHUTDOWN"
	TypeWorkerSuspend  MessageType = "WKR_SUSPEND"
	TypeWorkerResume   MessageType = "WKR_RESUME"
	TypeJobStatus      MessageType = "JOB_STATUS"
	TypeJobCancel      MessageType = "JOB_CANCEL"
	TypeJobPause       MessageType = "JOB_PAUSE"
	TypeJobRecovery    MessageType = "JOB_RECOVERY"
	TypeJobEvent       MessageType = "JOB_EVENT"
	TypeWorkerEvent    MessageType = "WKR_EVENT"
)

var (
	// ErrUnknownMessageType is returned for a type tag no decoder knows
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrMalformedMessage is returned for a body that is not a valid message
	ErrMalformedMessage = errors.New("malformed message")
)

// Message is implemented by every message variant
type Message interface {
	MessageType() MessageType
	MessageID() string
}

// Envelope is the header shared by every message
type Envelope struct {
	Type     MessageType `json:"type"`
	SenderID string      `json:"senderId"`
	MsgID    string      `json:"msgId"`
	Created  time.Time   `json:"created"`
}

// MessageType returns the type tag
func (e Envelope) MessageType() MessageType { return e.Type }

// MessageID returns the unique message id
func (e Envelope) MessageID() string { return e.MsgID }

func newEnvelope(t MessageType, senderID string) Envelope {
	return Envelope{
		Type:     t,
		SenderID: senderID,
		MsgID:    uuid.NewString(),
		Created:  time.Now().UTC(),
	}
}

// JobSubmitMsg asks a worker to run a job
type JobSubmitMsg struct {
	Envelope
	Tenant  string `json:"tenant"`
	JobUUID string `json:"jobUuid"`
}

// NewJobSubmitMsg creates a submit message
func NewJobSubmitMsg(senderID, tenant, jobUUID string) JobSubmitMsg {
	return JobSubmitMsg{Envelope: newEnvelope(TypeJobSubmit, senderID), Tenant: tenant, JobUUID: jobUUID}
}

// WorkerStatusMsg asks workers to publish their status
type WorkerStatusMsg struct {
	Envelope
	TargetWorkerUUID string `json:"targetWorkerUuid,omitempty"`
}

// NewWorkerStatusMsg creates a worker status request
func NewWorkerStatusMsg(senderID, targetWorkerUUID string) WorkerStatusMsg {
	return WorkerStatusMsg{Envelope: newEnvelope(TypeWorkerStatus, senderID), TargetWorkerUUID: targetWorkerUUID}
}

// WorkerShutdownMsg asks workers to shut down. An empty target means
// every worker receiving it.
type WorkerShutdownMsg struct {
	Envelope
	TargetWorkerUUID string `json:"targetWorkerUuid,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// NewWorkerShutdownMsg creates a shutdown request
func NewWorkerShutdownMsg(senderID, targetWorkerUUID, reason string) WorkerShutdownMsg {
	return WorkerShutdownMsg{Envelope: newEnvelope(TypeWorkerShutdown, senderID), TargetWorkerUUID: targetWorkerUUID, Reason: reason}
}

// WorkerSuspendMsg asks workers to stop taking new jobs
type WorkerSuspendMsg struct {
	Envelope
	TargetWorkerUUID string `json:"targetWorkerUuid,omitempty"`
}

// NewWorkerSuspendMsg creates a suspend request
func NewWorkerSuspendMsg(senderID, targetWorkerUUID string) WorkerSuspendMsg {
	return WorkerSuspendMsg{Envelope: newEnvelope(TypeWorkerSuspend, senderID), TargetWorkerUUID: targetWorkerUUID}
}

// WorkerResumeMsg asks suspended workers to take jobs again
type WorkerResumeMsg struct {
	Envelope
	TargetWorkerUUID string `json:"targetWorkerUuid,omitempty"`
}

// NewWorkerResumeMsg creates a resume request
func NewWorkerResumeMsg(senderID, targetWorkerUUID string) WorkerResumeMsg {
	return WorkerResumeMsg{Envelope: newEnvelope(TypeWorkerResume, senderID), TargetWorkerUUID: targetWorkerUUID}
}

// JobStatusMsg asks the worker running a job to publish its status
type JobStatusMsg struct {
	Envelope
	JobUUID string `json:"jobUuid"`
}

// NewJobStatusMsg creates a job status request
func NewJobStatusMsg(senderID, jobUUID string) JobStatusMsg {
	return JobStatusMsg{Envelope: newEnvelope(TypeJobStatus, senderID), JobUUID: jobUUID}
}

// JobCancelMsg cancels a running job
type JobCancelMsg struct {
	Envelope
	JobUUID string `json:"jobUuid"`
}

// NewJobCancelMsg creates a cancel command
func NewJobCancelMsg(senderID, jobUUID string) JobCancelMsg {
	return JobCancelMsg{Envelope: newEnvelope(TypeJobCancel, senderID), JobUUID: jobUUID}
}

// JobPauseMsg pauses a running job
type JobPauseMsg struct {
	Envelope
	JobUUID string `json:"jobUuid"`
}

// NewJobPauseMsg creates a pause command
func NewJobPauseMsg(senderID, jobUUID string) JobPauseMsg {
	return JobPauseMsg{Envelope: newEnvelope(TypeJobPause, senderID), JobUUID: jobUUID}
}

// JobRecoveryMsg hands a blocked job to the recovery manager
type JobRecoveryMsg struct {
	Envelope
	Tenant       string `json:"tenant"`
	JobUUID      string `json:"jobUuid"`
	BlockedPhase string `json:"blockedPhase"`
	Reason       string `json:"reason"`
}

// NewJobRecoveryMsg creates a recovery message
func NewJobRecoveryMsg(senderID, tenant, jobUUID, blockedPhase, reason string) JobRecoveryMsg {
	return JobRecoveryMsg{
		Envelope:     newEnvelope(TypeJobRecovery, senderID),
		Tenant:       tenant,
		JobUUID:      jobUUID,
		BlockedPhase: blockedPhase,
		Reason:       reason,
	}
}

// JobEventMsg reports a job status change or answers a job status request
type JobEventMsg struct {
	Envelope
	Tenant     string `json:"tenant"`
	JobUUID    string `json:"jobUuid"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	WorkerUUID string `json:"workerUuid,omitempty"`
}

// NewJobEventMsg creates a job event
func NewJobEventMsg(senderID, tenant, jobUUID, status, message string) JobEventMsg {
	return JobEventMsg{
		Envelope:   newEnvelope(TypeJobEvent, senderID),
		Tenant:     tenant,
		JobUUID:    jobUUID,
		Status:     status,
		Message:    message,
		WorkerUUID: senderID,
	}
}

// WorkerEventMsg answers a worker status request
type WorkerEventMsg struct {
	Envelope
	WorkerName string `json:"workerName"`
	WorkerUUID string `json:"workerUuid"`
	Status     any    `json:"status"`
}

// NewWorkerEventMsg creates a worker status event
func NewWorkerEventMsg(workerName, workerUUID string, status any) WorkerEventMsg {
	return WorkerEventMsg{
		Envelope:   newEnvelope(TypeWorkerEvent, workerUUID),
		WorkerName: workerName,
		WorkerUUID: workerUUID,
		Status:     status,
	}
}

// Encode marshals msg to its JSON wire form
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.MessageType(), err)
	}
	return body, nil
}

// DecodeCommand decodes a message body into its typed variant. The
// returned value is one of the message structs above, never a pointer.
func DecodeCommand(body []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	switch env.Type {
	case TypeJobSubmit:
		msg, err := decodeAs[JobSubmitMsg](body)
		if err == nil && (msg.JobUUID == "" || msg.Tenant == "") {
			err = fmt.Errorf("%w: %s without job uuid or tenant", ErrMalformedMessage, env.Type)
		}
		return orNil(msg, err)
	case TypeWorkerStatus:
		return orNil[WorkerStatusMsg](decodeAs[WorkerStatusMsg](body))
	case TypeWorkerShutdown:
		return orNil[WorkerShutdownMsg](decodeAs[WorkerShutdownMsg](body))
	case TypeWorkerSuspend:
		return orNil[WorkerSuspendMsg](decodeAs[WorkerSuspendMsg](body))
	case TypeWorkerResume:
		return orNil[WorkerResumeMsg](decodeAs[WorkerResumeMsg](body))
	case TypeJobStatus:
		msg, err := decodeAs[JobStatusMsg](body)
		return orNil(msg, requireJobUUID(env.Type, msg.JobUUID, err))
	case TypeJobCancel:
		msg, err := decodeAs[JobCancelMsg](body)
		return orNil(msg, requireJobUUID(env.Type, msg.JobUUID, err))
	case TypeJobPause:
		msg, err := decodeAs[JobPauseMsg](body)
		return orNil(msg, requireJobUUID(env.Type, msg.JobUUID, err))
	case TypeJobRecovery:
		msg, err := decodeAs[JobRecoveryMsg](body)
		return orNil(msg, requireJobUUID(env.Type, msg.JobUUID, err))
	case TypeJobEvent:
		return orNil[JobEventMsg](decodeAs[JobEventMsg](body))
	case TypeWorkerEvent:
		return orNil[WorkerEventMsg](decodeAs[WorkerEventMsg](body))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

func decodeAs[T Message](body []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}

func requireJobUUID(t MessageType, jobUUID string, err error) error {
	if err != nil {
		return err
	}
	if jobUUID == "" {
		return fmt.Errorf("%w: %s without job uuid", ErrMalformedMessage, t)
	}
	return nil
}

func orNil[T Message](msg T, err error) (Message, error) {
	if err != nil {
		return nil, err
	}
	return msg, nil
}
