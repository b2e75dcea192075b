// Package backend is the REST client for the job-processing service: query
// submission, status polling and document uploads.
// This file defines the client's error taxonomy.
package backend

import (
	"errors"
	"fmt"
	"time"
)

// NetworkError wraps a transport failure where no response was received.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ServerError is a non-2xx response with the backend-supplied detail.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server error (%d)", e.Status)
}

// JobFailedError is raised when a polled job reports the failed status.
type JobFailedError struct {
	JobID  string
	Detail string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Detail)
}

// JobNotFoundError is raised when the backend no longer knows the job id.
// The job either expired or never existed.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job %s not found or expired", e.JobID)
}

// PollTimeoutError is raised when a job reaches no terminal status within the
// polling deadline.
type PollTimeoutError struct {
	JobID   string
	Elapsed time.Duration
	Polls   int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("job %s did not complete within %s (%d polls)", e.JobID, e.Elapsed, e.Polls)
}

// NoResultError is raised when a job finishes without a result payload.
type NoResultError struct {
	JobID string
}

func (e *NoResultError) Error() string {
	return fmt.Sprintf("job %s finished without a result", e.JobID)
}

// UploadIncompleteError is raised when the completing range of a chunked
// upload did not report success, even if every other range did.
type UploadIncompleteError struct {
	UploadID string
	Reason   string
}

func (e *UploadIncompleteError) Error() string {
	return fmt.Sprintf("upload %s incomplete: %s", e.UploadID, e.Reason)
}

// IsUnauthorized reports whether err is a 401 server response.
func IsUnauthorized(err error) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Status == 401
}
