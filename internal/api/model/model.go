package model

import "time"

// Job is a row of the jobs table
type Job struct {
	UUID         string    `db:"uuid"`
	Tenant       string    `db:"tenant"`
	Owner        string    `db:"owner"`
	Name         string    `db:"name"`
	AppID        string    `db:"app_id"`
	ExecSystemID string    `db:"exec_system_id"`
	Command      string    `db:"command"`
	Status       string    `db:"status"`
	RemoteJobID  string    `db:"remote_job_id"`
	LastMessage  string    `db:"last_message"`
	Created      time.Time `db:"created"`
	LastUpdated  time.Time `db:"last_updated"`
}

// JobEvent is a row of the job_events table
type JobEvent struct {
	ID         int64     `db:"id"`
	JobUUID    string    `db:"job_uuid"`
	Tenant     string    `db:"tenant"`
	FromStatus string    `db:"from_status"`
	ToStatus   string    `db:"to_status"`
	Message    string    `db:"message"`
	Created    time.Time `db:"created"`
}
