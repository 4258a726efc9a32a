package jobqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name  string
		msg   Message
		check func(t *testing.T, got Message)
	}{
		{
			name: "submit",
			msg:  NewJobSubmitMsg("api-1", "dev", "job-1"),
			check: func(t *testing.T, got Message) {
				m := got.(JobSubmitMsg)
				assert.Equal(t, "dev", m.Tenant)
				assert.Equal(t, "job-1", m.JobUUID)
				assert.Equal(t, "api-1", m.SenderID)
			},
		},
		{
			name: "shutdown with target",
			msg:  NewWorkerShutdownMsg("api-1", "wkr-uuid", "drain"),
			check: func(t *testing.T, got Message) {
				m := got.(WorkerShutdownMsg)
				assert.Equal(t, "wkr-uuid", m.TargetWorkerUUID)
				assert.Equal(t, "drain", m.Reason)
			},
		},
		{
			name: "cancel",
			msg:  NewJobCancelMsg("api-1", "job-2"),
			check: func(t *testing.T, got Message) {
				assert.Equal(t, "job-2", got.(JobCancelMsg).JobUUID)
			},
		},
		{
			name: "pause",
			msg:  NewJobPauseMsg("api-1", "job-3"),
			check: func(t *testing.T, got Message) {
				assert.Equal(t, "job-3", got.(JobPauseMsg).JobUUID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := Encode(tt.msg)
			require.NoError(t, err)

			got, err := DecodeCommand(body)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.MessageType(), got.MessageType())
			assert.Equal(t, tt.msg.MessageID(), got.MessageID())
			tt.check(t, got)
		})
	}
}

func TestDecodeCommand_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", `{{`, ErrMalformedMessage},
		{"no type", `{"msgId":"1"}`, ErrMalformedMessage},
		{"unknown type", `{"type":"JOB_EXPLODE"}`, ErrUnknownMessageType},
		{"cancel without job", `{"type":"JOB_CANCEL"}`, ErrMalformedMessage},
		{"submit without tenant", `{"type":"JOB_SUBMIT","jobUuid":"j"}`, ErrMalformedMessage},
		{"wrong field type", `{"type":"JOB_PAUSE","jobUuid":42}`, ErrMalformedMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCommand([]byte(tt.body))
			assert.Nil(t, got)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewEnvelope_UniqueIDs(t *testing.T) {
	a := NewJobStatusMsg("w", "j")
	b := NewJobStatusMsg("w", "j")

	assert.NotEqual(t, a.MsgID, b.MsgID)
	assert.False(t, a.Created.IsZero())
}
