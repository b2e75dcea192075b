package store

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const titleMaxLen = 48

// state is the mutable arena every store operation works on. It is only ever
// touched inside update, so individual operations cannot interleave.
type state struct {
	conversations []Conversation
	activeID      string
	pending       map[string]PendingJob
	settings      Settings
	sidebarOpen   bool
	lastError     string
}

// Store owns conversations, messages and pending job records. All mutation
// goes through a single atomic apply primitive; accessors return copies so
// callers can never alias internal state.
type Store struct {
	mu        sync.Mutex
	st        state
	ownerID   func() string
	now       func() time.Time
	listeners []func()
}

// Option configures a Store.
type Option func(*Store)

// WithOwnerFunc supplies the current-identity lookup used when creating
// conversations. Falling back to the settings hint and then the anonymous
// sentinel happens inside the store.
func WithOwnerFunc(fn func() string) Option {
	return func(s *Store) { s.ownerID = fn }
}

// WithClock overrides the time source. Used by tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		st: state{
			pending:  make(map[string]PendingJob),
			settings: DefaultSettings(),
		},
		ownerID: func() string { return "" },
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers a callback invoked after every committed update. The
// callback runs outside the store lock.
func (s *Store) Subscribe(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// update is the single mutation primitive. fn runs under the store lock, so
// no two mutations interleave.
func (s *Store) update(fn func(*state)) {
	s.mu.Lock()
	fn(&s.st)
	listeners := s.listeners
	s.mu.Unlock()

	for _, l := range listeners {
		l()
	}
}

func (s *Store) currentOwner(st *state) string {
	if id := s.ownerID(); id != "" {
		return id
	}
	if st.settings.OwnerIDHint != "" {
		return st.settings.OwnerIDHint
	}
	return AnonymousOwner
}

// CreateConversation allocates a new conversation owned by the current
// identity, inserts it at the front of the list and marks it active.
func (s *Store) CreateConversation() string {
	id := uuid.NewString()
	now := s.now()

	s.update(func(st *state) {
		conv := Conversation{
			ID:        id,
			Title:     "New conversation",
			OwnerID:   s.currentOwner(st),
			Messages:  []Message{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		st.conversations = append([]Conversation{conv}, st.conversations...)
		st.activeID = id
		st.lastError = ""
	})
	return id
}

// DeleteConversation removes a conversation. Deleting the active conversation
// activates the new first conversation, or none if the list is empty.
// Unknown ids are a no-op.
func (s *Store) DeleteConversation(id string) {
	s.update(func(st *state) {
		idx := findConversation(st, id)
		if idx < 0 {
			return
		}
		st.conversations = append(st.conversations[:idx], st.conversations[idx+1:]...)
		if st.activeID == id {
			if len(st.conversations) > 0 {
				st.activeID = st.conversations[0].ID
			} else {
				st.activeID = ""
			}
		}
	})
}

// SetActiveConversation switches the active pointer. Unknown ids are a no-op.
func (s *Store) SetActiveConversation(id string) {
	s.update(func(st *state) {
		if findConversation(st, id) >= 0 {
			st.activeID = id
		}
	})
}

// AddMessage appends a message to a conversation and returns its id. The
// first user-role message also derives the conversation title, exactly once.
// Returns "" if the conversation does not exist.
func (s *Store) AddMessage(conversationID string, role Role, content string, meta *MessageMeta) string {
	id := uuid.NewString()
	now := s.now()
	added := false

	s.update(func(st *state) {
		idx := findConversation(st, conversationID)
		if idx < 0 {
			return
		}
		conv := &st.conversations[idx]

		msg := Message{
			ID:        id,
			Role:      role,
			Content:   content,
			Timestamp: now,
			Meta:      meta,
		}
		if role == RoleAssistant && content == PlaceholderContent {
			msg.Status = StatusSending
		} else {
			msg.Status = StatusSent
		}

		if role == RoleUser && !hasUserMessage(conv) {
			conv.Title = deriveTitle(content)
		}
		conv.Messages = append(conv.Messages, msg)
		bumpUpdatedAt(conv, now)
		added = true
	})

	if !added {
		return ""
	}
	return id
}

// MessagePatch holds the fields UpdateMessage merges into an existing
// message. Nil fields are left untouched.
type MessagePatch struct {
	Content *string
	Status  *Status
	Meta    *MessageMeta
}

// UpdateMessage merges patch fields into a message in place. Unknown
// conversation or message ids are silently ignored so stale references can
// never corrupt the store.
func (s *Store) UpdateMessage(conversationID, messageID string, patch MessagePatch) {
	now := s.now()
	s.update(func(st *state) {
		idx := findConversation(st, conversationID)
		if idx < 0 {
			return
		}
		conv := &st.conversations[idx]
		for i := range conv.Messages {
			if conv.Messages[i].ID != messageID {
				continue
			}
			if patch.Content != nil {
				conv.Messages[i].Content = *patch.Content
			}
			if patch.Status != nil {
				conv.Messages[i].Status = *patch.Status
			}
			if patch.Meta != nil {
				conv.Messages[i].Meta = patch.Meta
			}
			bumpUpdatedAt(conv, now)
			return
		}
	})
}

// UpdateMessageStatus is a convenience wrapper over UpdateMessage.
func (s *Store) UpdateMessageStatus(conversationID, messageID string, status Status) {
	s.UpdateMessage(conversationID, messageID, MessagePatch{Status: &status})
}

// DeleteMessage removes one message. Unknown ids are a no-op.
func (s *Store) DeleteMessage(conversationID, messageID string) {
	now := s.now()
	s.update(func(st *state) {
		idx := findConversation(st, conversationID)
		if idx < 0 {
			return
		}
		conv := &st.conversations[idx]
		for i := range conv.Messages {
			if conv.Messages[i].ID == messageID {
				conv.Messages = append(conv.Messages[:i], conv.Messages[i+1:]...)
				bumpUpdatedAt(conv, now)
				return
			}
		}
	})
}

// AddPendingJob records an in-flight job keyed by job id.
func (s *Store) AddPendingJob(job PendingJob) {
	s.update(func(st *state) {
		st.pending[job.JobID] = job
	})
}

// RemovePendingJob drops a pending job record. Unknown ids are a no-op.
func (s *Store) RemovePendingJob(jobID string) {
	s.update(func(st *state) {
		delete(st.pending, jobID)
	})
}

// PendingJobPatch holds the fields UpdatePendingJob merges.
type PendingJobPatch struct {
	PollCount *int
}

// UpdatePendingJob merges patch fields into a pending job record.
func (s *Store) UpdatePendingJob(jobID string, patch PendingJobPatch) {
	s.update(func(st *state) {
		job, ok := st.pending[jobID]
		if !ok {
			return
		}
		if patch.PollCount != nil {
			job.PollCount = *patch.PollCount
		}
		st.pending[jobID] = job
	})
}

// PendingJob returns a pending job record by id.
func (s *Store) PendingJob(jobID string) (PendingJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.st.pending[jobID]
	return job, ok
}

// PendingJobs returns all pending job records. Order is unspecified.
func (s *Store) PendingJobs() []PendingJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]PendingJob, 0, len(s.st.pending))
	for _, job := range s.st.pending {
		jobs = append(jobs, job)
	}
	return jobs
}

// ActiveConversation returns a copy of the active conversation.
func (s *Store) ActiveConversation() (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := findConversation(&s.st, s.st.activeID)
	if idx < 0 {
		return Conversation{}, false
	}
	return copyConversation(s.st.conversations[idx]), true
}

// ActiveConversationID returns the active conversation id, or "".
func (s *Store) ActiveConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.activeID
}

// Conversation returns a copy of a conversation by id.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := findConversation(&s.st, id)
	if idx < 0 {
		return Conversation{}, false
	}
	return copyConversation(s.st.conversations[idx]), true
}

// Conversations returns copies of all conversations, newest first.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.st.conversations))
	for _, conv := range s.st.conversations {
		out = append(out, copyConversation(conv))
	}
	return out
}

// Messages returns a conversation's messages in insertion order. Absent
// conversations yield an empty slice, never an error.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := findConversation(&s.st, conversationID)
	if idx < 0 {
		return []Message{}
	}
	msgs := make([]Message, len(s.st.conversations[idx].Messages))
	copy(msgs, s.st.conversations[idx].Messages)
	return msgs
}

// Settings returns the current settings.
func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.settings
}

// UpdateSettings applies fn to the settings.
func (s *Store) UpdateSettings(fn func(*Settings)) {
	s.update(func(st *state) {
		fn(&st.settings)
	})
}

// SetSidebarOpen records the sidebar toggle, persisted with the chat record.
func (s *Store) SetSidebarOpen(open bool) {
	s.update(func(st *state) {
		st.sidebarOpen = open
	})
}

// Snapshot returns the serializable chat record for persistence.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Conversations:        make([]Conversation, 0, len(s.st.conversations)),
		ActiveConversationID: s.st.activeID,
		Settings:             s.st.settings,
		SidebarOpen:          s.st.sidebarOpen,
	}
	for _, conv := range s.st.conversations {
		snap.Conversations = append(snap.Conversations, copyConversation(conv))
	}
	return snap
}

// Restore rehydrates the store from a persisted snapshot, keeping only
// conversations owned by ownerID or the anonymous sentinel. With no
// authenticated identity every conversation is discarded. The active pointer
// is cleared if its conversation was filtered out. Pending jobs are never
// restored: their poll loops died with the previous process.
func (s *Store) Restore(snap Snapshot, ownerID string) {
	s.update(func(st *state) {
		var kept []Conversation
		for _, conv := range snap.Conversations {
			if ownerID == "" {
				continue
			}
			if conv.OwnerID != ownerID && conv.OwnerID != AnonymousOwner {
				continue
			}
			kept = append(kept, copyConversation(conv))
		}

		st.conversations = kept
		st.settings = snap.Settings
		st.sidebarOpen = snap.SidebarOpen
		st.pending = make(map[string]PendingJob)

		st.activeID = ""
		for _, conv := range kept {
			if conv.ID == snap.ActiveConversationID {
				st.activeID = snap.ActiveConversationID
				break
			}
		}
	})
}

// Reset drops all conversations and pending jobs, keeping settings.
func (s *Store) Reset() {
	s.update(func(st *state) {
		st.conversations = nil
		st.activeID = ""
		st.pending = make(map[string]PendingJob)
		st.lastError = ""
	})
}

// SetLastError records a store-level error message for the UI.
func (s *Store) SetLastError(msg string) {
	s.update(func(st *state) {
		st.lastError = msg
	})
}

// LastError returns the recorded store-level error, or "".
func (s *Store) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.lastError
}

func findConversation(st *state, id string) int {
	if id == "" {
		return -1
	}
	for i := range st.conversations {
		if st.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func hasUserMessage(conv *Conversation) bool {
	for i := range conv.Messages {
		if conv.Messages[i].Role == RoleUser {
			return true
		}
	}
	return false
}

// bumpUpdatedAt keeps UpdatedAt monotonically non-decreasing even if the
// clock steps backwards.
func bumpUpdatedAt(conv *Conversation, now time.Time) {
	if now.After(conv.UpdatedAt) {
		conv.UpdatedAt = now
	}
}

func copyConversation(conv Conversation) Conversation {
	out := conv
	out.Messages = make([]Message, len(conv.Messages))
	copy(out.Messages, conv.Messages)
	return out
}

// deriveTitle turns the first user message into a conversation title:
// whitespace collapsed, truncated on a rune boundary.
func deriveTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if title == "" {
		return "New conversation"
	}
	if utf8.RuneCountInString(title) <= titleMaxLen {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:titleMaxLen])) + "…"
}
