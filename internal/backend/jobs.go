package backend

import (
	"context"
	"encoding/json"
	"net/url"
	"time"
)

// JobStatus is the backend job-queue status vocabulary.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobStarted   JobStatus = "started"
	JobDeferred  JobStatus = "deferred"
	JobFinished  JobStatus = "finished"
	JobStopped   JobStatus = "stopped"
	JobScheduled JobStatus = "scheduled"
	JobFailed    JobStatus = "failed"
	JobNotFound  JobStatus = "not_found"
)

// Terminal reports whether no further status transition can occur.
func (s JobStatus) Terminal() bool {
	return s == JobFinished || s == JobFailed || s == JobNotFound
}

// SubmitResponse is the synchronous reply to a query submission. The job is
// not done; its id must be polled.
type SubmitResponse struct {
	Status    string `json:"status"`
	JobID     string `json:"job_id"`
	JobStatus string `json:"job_status"`
	OwnerID   string `json:"owner_id"`
}

// pollResponse is one /job-status reply.
type pollResponse struct {
	Status JobStatus       `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PollOptions tunes PollJobUntilComplete. Zero values take the defaults.
type PollOptions struct {
	InitialInterval time.Duration // default 500ms
	MaxInterval     time.Duration // default 3s
	Timeout         time.Duration // wall-clock deadline, default 120s
	OnPoll          func(count int, status JobStatus)
}

func (o *PollOptions) applyDefaults() {
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 3 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 120 * time.Second
	}
}

// nextInterval advances the backoff schedule: multiply by 1.5, cap at max.
// With the defaults the sequence is 500, 750, 1125, 1687, 2531, 3000, 3000…
func nextInterval(current, max time.Duration) time.Duration {
	next := current * 3 / 2
	if next > max {
		return max
	}
	return next
}

// SendMessage submits a chat query and returns the job handle without
// blocking on completion.
func (c *Client) SendMessage(ctx context.Context, query, userID string) (*SubmitResponse, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("usr_id", userID)

	var resp SubmitResponse
	if err := c.postJSON(ctx, "/chat", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// fetchJobStatus performs one status fetch.
func (c *Client) fetchJobStatus(ctx context.Context, jobID string) (*pollResponse, error) {
	q := url.Values{}
	q.Set("job_id", jobID)

	var resp pollResponse
	if err := c.getJSON(ctx, "/job-status", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PollJobUntilComplete fetches job status with exponential backoff until a
// terminal status or the wall-clock timeout. Cancel the context to abort the
// in-flight request and stop further scheduling; the caller then owns marking
// the associated message and pending-job record as cancelled.
//
// Terminal outcomes: finished returns the raw result payload; failed raises
// JobFailedError; not_found raises JobNotFoundError; the deadline raises
// PollTimeoutError. Every other status keeps polling.
func (c *Client) PollJobUntilComplete(ctx context.Context, jobID string, opts PollOptions) (json.RawMessage, error) {
	opts.applyDefaults()

	start := time.Now()
	interval := opts.InitialInterval
	polls := 0

	for {
		if elapsed := time.Since(start); elapsed >= opts.Timeout {
			return nil, &PollTimeoutError{JobID: jobID, Elapsed: elapsed, Polls: polls}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		resp, err := c.fetchJobStatus(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		polls++
		if opts.OnPoll != nil {
			opts.OnPoll(polls, resp.Status)
		}

		switch resp.Status {
		case JobFinished:
			return resp.Result, nil
		case JobFailed:
			return nil, &JobFailedError{JobID: jobID, Detail: resp.Error}
		case JobNotFound:
			return nil, &JobNotFoundError{JobID: jobID}
		}

		interval = nextInterval(interval, opts.MaxInterval)
	}
}

// SendMessageAndWait composes SendMessage and PollJobUntilComplete, raising
// NoResultError when the job finishes with an empty payload.
func (c *Client) SendMessageAndWait(ctx context.Context, query, userID string, opts PollOptions) (json.RawMessage, error) {
	submitted, err := c.SendMessage(ctx, query, userID)
	if err != nil {
		return nil, err
	}

	result, err := c.PollJobUntilComplete(ctx, submitted.JobID, opts)
	if err != nil {
		return nil, err
	}
	if emptyResult(result) {
		return nil, &NoResultError{JobID: submitted.JobID}
	}
	return result, nil
}

// ResultText renders a raw job result for display: string payloads are
// unquoted, anything else is returned as compact JSON.
func ResultText(raw json.RawMessage) string {
	if emptyResult(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func emptyResult(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", `""`:
		return true
	}
	return false
}
