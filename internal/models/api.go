package models

import "time"

type RunWorkflowRequest struct {
	SessionID string `json:"session_id" binding:"omitempty,max=128"`
	Topic     string `json:"topic" binding:"omitempty,max=256"`
	Audience  string `json:"audience" binding:"omitempty,max=512"`
}

type RegenerateRequest struct {
	SessionID string `json:"session_id" binding:"required,max=128"`
}

type WorkflowResponse struct {
	Success   bool           `json:"success"`
	SessionID string         `json:"session_id"`
	State     *StateSnapshot `json:"state,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func NewWorkflowResponse(sessionID string, state *StateSnapshot) *WorkflowResponse {
	return &WorkflowResponse{
		Success:   true,
		SessionID: sessionID,
		State:     state,
		Timestamp: time.Now(),
	}
}

func NewWorkflowErrorResponse(sessionID, errMsg, kind string) *WorkflowResponse {
	return &WorkflowResponse{
		Success:   false,
		SessionID: sessionID,
		Error:     errMsg,
		ErrorKind: kind,
		Timestamp: time.Now(),
	}
}

type ExportResponse struct {
	Success   bool      `json:"success"`
	FileName  string    `json:"file_name,omitempty"`
	FilePath  string    `json:"file_path,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type CopyResponse struct {
	Success    bool      `json:"success"`
	Characters int       `json:"characters,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type HealthResponse struct {
	Status       string            `json:"status"`
	Environment  string            `json:"environment"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	ActiveRuns   int               `json:"active_runs"`
	Timestamp    time.Time         `json:"timestamp"`
}
