package dto

type CreateJobRequest struct {
	Tenant       string `json:"tenant" binding:"required"`
	Owner        string `json:"owner" binding:"required"`
	Name         string `json:"name"`
	AppID        string `json:"appId"`
	ExecSystemID string `json:"execSystemId"`
	Command      string `json:"command" binding:"required"`
}

type CreateJobResponse struct {
	Job   JobDTO `json:"job"`
	Queue string `json:"queue"`
}

type ListJobsRequest struct {
	Tenant   string `form:"tenant" binding:"required"`
	Owner    string `form:"owner"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	UUID         string `json:"uuid"`
	Tenant       string `json:"tenant"`
	Owner        string `json:"owner"`
	Name         string `json:"name"`
	AppID        string `json:"appId"`
	ExecSystemID string `json:"execSystemId"`
	Status       string `json:"status"`
	RemoteJobID  string `json:"remoteJobId,omitempty"`
	LastMessage  string `json:"lastMessage,omitempty"`
	Created      string `json:"created"`
	LastUpdated  string `json:"lastUpdated"`
}

type JobEventDTO struct {
	FromStatus string `json:"fromStatus"`
	ToStatus   string `json:"toStatus"`
	Message    string `json:"message"`
	Created    string `json:"created"`
}

type CommandResponse struct {
	UUID    string `json:"uuid"`
	Command string `json:"command"`
	Status  string `json:"status"`
}

type ShutdownRequest struct {
	Reason string `json:"reason"`
}
