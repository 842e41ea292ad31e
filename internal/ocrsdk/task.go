package ocrsdk

import (
	"strconv"
	"time"
)

// TaskStatus is the server-defined lifecycle state of a processing task.
type TaskStatus string

const (
	StatusSubmitted        TaskStatus = "Submitted"
	StatusQueued           TaskStatus = "Queued"
	StatusInProgress       TaskStatus = "InProgress"
	StatusCompleted        TaskStatus = "Completed"
	StatusProcessingFailed TaskStatus = "ProcessingFailed"
	StatusDeleted          TaskStatus = "Deleted"
	StatusNotEnoughCredits TaskStatus = "NotEnoughCredits"
)

// IsKnown reports whether s is one of the enumerated statuses.
func (s TaskStatus) IsKnown() bool {
	switch s {
	case StatusSubmitted, StatusQueued, StatusInProgress, StatusCompleted,
		StatusProcessingFailed, StatusDeleted, StatusNotEnoughCredits:
		return true
	}
	return false
}

// IsTerminal reports whether the server will not move the task any further.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusProcessingFailed, StatusDeleted, StatusNotEnoughCredits:
		return true
	}
	return false
}

// Task descriptor keys, matching the attribute names the service uses.
const (
	KeyTaskID                  = "id"
	KeyStatus                  = "status"
	KeyFilesCount              = "filesCount"
	KeyCredits                 = "credits"
	KeyRegistrationTime        = "registrationTime"
	KeyStatusChangeTime        = "statusChangeTime"
	KeyEstimatedProcessingTime = "estimatedProcessingTime"
	KeyResultURL               = "resultUrl"
)

// Task is a snapshot of a processing task as last reported by the server.
type Task struct {
	ID                      string        `json:"id"`
	Status                  TaskStatus    `json:"status"`
	FilesCount              int           `json:"filesCount"`
	Credits                 int           `json:"credits"`
	RegistrationTime        time.Time     `json:"registrationTime"`
	StatusChangeTime        time.Time     `json:"statusChangeTime"`
	EstimatedProcessingTime time.Duration `json:"estimatedProcessingTime"`
	ResultURL               string        `json:"resultUrl,omitempty"`
}

// Completed reports whether the result is ready for download.
func (t *Task) Completed() bool {
	return t != nil && t.Status == StatusCompleted && t.ResultURL != ""
}

// Fields renders the task as a descriptor mapping keyed by the Key constants.
// Absent values are omitted.
func (t *Task) Fields() map[string]string {
	fields := map[string]string{
		KeyTaskID:     t.ID,
		KeyStatus:     string(t.Status),
		KeyFilesCount: strconv.Itoa(t.FilesCount),
		KeyCredits:    strconv.Itoa(t.Credits),
		KeyEstimatedProcessingTime: strconv.FormatInt(
			int64(t.EstimatedProcessingTime/time.Second), 10),
	}
	if !t.RegistrationTime.IsZero() {
		fields[KeyRegistrationTime] = t.RegistrationTime.UTC().Format(time.RFC3339)
	}
	if !t.StatusChangeTime.IsZero() {
		fields[KeyStatusChangeTime] = t.StatusChangeTime.UTC().Format(time.RFC3339)
	}
	if t.ResultURL != "" {
		fields[KeyResultURL] = t.ResultURL
	}
	return fields
}
