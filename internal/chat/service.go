// Package chat orchestrates the send pipeline: record the user message,
// insert an assistant placeholder, submit the query as a backend job and
// resolve the placeholder from the job result when the poll loop finishes.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/ragline/internal/backend"
	"github.com/ChamsBouzaiene/ragline/internal/store"
)

// cancelledContent replaces the placeholder when the user aborts a job.
const cancelledContent = "Request cancelled."

// Service drives conversations against the async job backend. Poll loops run
// on their own goroutines with their own contexts, so a send call returns as
// soon as the job is queued.
type Service struct {
	store  *store.Store
	client *backend.Client
	userID func() string
	poll   backend.PollOptions
	now    func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	onResolved func(conversationID, messageID string)
}

// Option configures a Service.
type Option func(*Service)

// WithPollOptions overrides the poll schedule.
func WithPollOptions(opts backend.PollOptions) Option {
	return func(s *Service) { s.poll = opts }
}

// WithResolvedHook registers a callback invoked after a placeholder reaches a
// terminal status. Used to feed the search index.
func WithResolvedHook(fn func(conversationID, messageID string)) Option {
	return func(s *Service) { s.onResolved = fn }
}

// NewService creates a chat service. userID supplies the identity attached to
// submitted queries; it may return "" for the anonymous case.
func NewService(st *store.Store, client *backend.Client, userID func() string, opts ...Option) *Service {
	s := &Service{
		store:   st,
		client:  client,
		userID:  userID,
		now:     time.Now,
		cancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendResult identifies everything a send created.
type SendResult struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string
	JobID              string
}

// Send records the query in the active conversation (creating one if none is
// active), submits it and starts the poll loop. The returned result is
// available before the job completes; the assistant message resolves later.
func (s *Service) Send(ctx context.Context, query string) (*SendResult, error) {
	convID := s.store.ActiveConversationID()
	if convID == "" {
		convID = s.store.CreateConversation()
	}

	userMsgID := s.store.AddMessage(convID, store.RoleUser, query, nil)
	placeholderID := s.store.AddMessage(convID, store.RoleAssistant, store.PlaceholderContent, nil)

	owner := s.userID()
	if owner == "" {
		owner = store.AnonymousOwner
	}

	submitted, err := s.client.SendMessage(ctx, query, owner)
	if err != nil {
		s.resolveError(convID, placeholderID, "", err)
		return nil, fmt.Errorf("failed to submit query: %w", err)
	}

	s.store.UpdateMessage(convID, placeholderID, store.MessagePatch{
		Meta: &store.MessageMeta{Job: &store.JobMeta{JobID: submitted.JobID}},
	})
	s.store.AddPendingJob(store.PendingJob{
		JobID:          submitted.JobID,
		MessageID:      placeholderID,
		ConversationID: convID,
		Query:          query,
		StartedAt:      s.now(),
	})

	pollCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[submitted.JobID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.resolve(pollCtx, submitted.JobID, convID, placeholderID)

	return &SendResult{
		ConversationID:     convID,
		UserMessageID:      userMsgID,
		AssistantMessageID: placeholderID,
		JobID:              submitted.JobID,
	}, nil
}

// resolve runs the poll loop for one job and writes the terminal outcome into
// the placeholder message.
func (s *Service) resolve(ctx context.Context, jobID, convID, msgID string) {
	defer s.wg.Done()
	defer s.forget(jobID)

	opts := s.poll
	pollCount := 0
	opts.OnPoll = func(count int, status backend.JobStatus) {
		pollCount = count
		s.store.UpdatePendingJob(jobID, store.PendingJobPatch{PollCount: &count})
		if s.poll.OnPoll != nil {
			s.poll.OnPoll(count, status)
		}
	}

	result, err := s.client.PollJobUntilComplete(ctx, jobID, opts)

	job, _ := s.store.PendingJob(jobID)
	meta := &store.MessageMeta{Job: &store.JobMeta{JobID: jobID, PollCount: pollCount}}
	if !job.StartedAt.IsZero() {
		meta.Job.Elapsed = s.now().Sub(job.StartedAt)
	}

	switch {
	case errors.Is(err, context.Canceled):
		meta.Job.Cancelled = true
		content := cancelledContent
		status := store.StatusCancelled
		s.store.UpdateMessage(convID, msgID, store.MessagePatch{
			Content: &content, Status: &status, Meta: meta,
		})
	case err != nil:
		s.resolveError(convID, msgID, jobID, err)
	default:
		content := backend.ResultText(result)
		status := store.StatusSent
		if content == "" {
			s.resolveError(convID, msgID, jobID, &backend.NoResultError{JobID: jobID})
			break
		}
		s.store.UpdateMessage(convID, msgID, store.MessagePatch{
			Content: &content, Status: &status, Meta: meta,
		})
	}

	s.store.RemovePendingJob(jobID)
	if s.onResolved != nil {
		s.onResolved(convID, msgID)
	}
}

// resolveError writes a diagnostic into the placeholder so the failure is
// visible in the conversation itself.
func (s *Service) resolveError(convID, msgID, jobID string, err error) {
	content := errorText(err)
	status := store.StatusError
	patch := store.MessagePatch{Content: &content, Status: &status}
	if jobID != "" {
		patch.Meta = &store.MessageMeta{Job: &store.JobMeta{JobID: jobID}}
	}
	s.store.UpdateMessage(convID, msgID, patch)
	s.store.SetLastError(err.Error())
}

// errorText maps terminal errors to the user-facing diagnostic shown in place
// of the assistant reply.
func errorText(err error) string {
	var (
		jf *backend.JobFailedError
		nf *backend.JobNotFoundError
		pt *backend.PollTimeoutError
		nr *backend.NoResultError
		ne *backend.NetworkError
	)
	switch {
	case errors.As(err, &jf):
		if jf.Detail != "" {
			return "The request failed: " + jf.Detail
		}
		return "The request failed on the server."
	case errors.As(err, &nf):
		return "The request expired before it completed. Please try again."
	case errors.As(err, &pt):
		return fmt.Sprintf("No response after %s. The server may be overloaded.", pt.Elapsed.Round(time.Second))
	case errors.As(err, &nr):
		return "The server returned an empty response."
	case errors.As(err, &ne):
		return "Could not reach the server. Check your connection."
	default:
		return "Something went wrong: " + err.Error()
	}
}

// Cancel aborts the poll loop for jobID. Returns false when no such job is in
// flight. The placeholder message is marked cancelled by the loop itself.
func (s *Service) Cancel(jobID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll aborts every in-flight poll loop.
func (s *Service) CancelAll() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, c := range s.cancels {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Wait blocks until every poll loop has resolved. Used on shutdown and in
// tests.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) forget(jobID string) {
	s.mu.Lock()
	delete(s.cancels, jobID)
	s.mu.Unlock()
}
