package store

import (
	"context"
	"sync"
	"time"

	"formcollect/api/internal/common"
)

// MemoryStore keeps forms, invitations and submissions in process memory.
// It serializes every operation with one mutex, which gives the same
// per-submission write ordering as the row lock in PostgresStore.
type MemoryStore struct {
	mu          sync.Mutex
	forms       map[int64]Form
	invitations map[string]Invitation
	submissions map[int64]Submission

	nextSubmissionID int64
	nextFieldID      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		forms:       map[int64]Form{},
		invitations: map[string]Invitation{},
		submissions: map[int64]Submission{},
	}
}

// PutForm seeds or replaces a form.
func (m *MemoryStore) PutForm(form Form) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forms[form.ID] = form
}

// PutInvitation seeds or replaces an invitation.
func (m *MemoryStore) PutInvitation(inv Invitation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invitations[inv.Token] = inv
}

// SubmissionCount returns the number of stored submissions.
func (m *MemoryStore) SubmissionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submissions)
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) GetForm(_ context.Context, formID int64) (Form, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	form, ok := m.forms[formID]
	if !ok {
		return Form{}, common.ErrNotFound
	}
	return form, nil
}

func (m *MemoryStore) GetFormByToken(_ context.Context, token string) (Form, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, form := range m.forms {
		if form.Token != "" && form.Token == token {
			return form, nil
		}
	}
	return Form{}, common.ErrNotFound
}

func (m *MemoryStore) GetInvitation(_ context.Context, token string) (Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[token]
	if !ok {
		return Invitation{}, common.ErrNotFound
	}
	return inv, nil
}

func (m *MemoryStore) MarkInvitationUsed(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[token]
	if !ok {
		return common.ErrNotFound
	}
	inv.Used = true
	m.invitations[token] = inv
	return nil
}

func (m *MemoryStore) GetSubmission(_ context.Context, submissionID int64) (Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[submissionID]
	if !ok {
		return Submission{}, common.ErrNotFound
	}
	return cloneSubmission(sub), nil
}

func (m *MemoryStore) FindSubmission(_ context.Context, formID int64, tokenHash string) (Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.findLocked(formID, tokenHash)
	if !ok {
		return Submission{}, common.ErrNotFound
	}
	return cloneSubmission(sub), nil
}

func (m *MemoryStore) findLocked(formID int64, tokenHash string) (Submission, bool) {
	for _, sub := range m.submissions {
		if sub.FormID == formID && sub.TokenHash == tokenHash {
			return sub, true
		}
	}
	return Submission{}, false
}

func (m *MemoryStore) CreateSubmission(_ context.Context, sub Submission) (Submission, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.findLocked(sub.FormID, sub.TokenHash); ok {
		return cloneSubmission(existing), false, nil
	}
	m.nextSubmissionID++
	sub.ID = m.nextSubmissionID
	sub.Version = 0
	sub.UpdatedAt = sub.CreatedAt
	sub.Fields = []SubmissionField{}
	m.submissions[sub.ID] = sub
	return cloneSubmission(sub), true, nil
}

func (m *MemoryStore) UpdateSubmission(_ context.Context, submissionID int64, fn func(*Submission) (*SubmissionField, error)) (Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.submissions[submissionID]
	if !ok {
		return Submission{}, common.ErrNotFound
	}

	sub := cloneSubmission(stored)
	changed, err := fn(&sub)
	if err != nil {
		return Submission{}, err
	}
	if changed != nil {
		changed.SubmissionID = sub.ID
		if prev, found := stored.Field(changed.FieldID); found {
			changed.ID = prev.ID
			changed.CreatedAt = prev.CreatedAt
		} else {
			m.nextFieldID++
			changed.ID = m.nextFieldID
			changed.CreatedAt = changed.UpdatedAt
		}
	}
	sub.Version = stored.Version + 1
	m.submissions[sub.ID] = cloneSubmission(sub)
	return sub, nil
}

func (m *MemoryStore) FinishSubmission(_ context.Context, submissionID int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[submissionID]
	if !ok {
		return false, common.ErrNotFound
	}
	sub.PercentageComplete = 1
	sub.Version++
	sub.UpdatedAt = now
	claimed := sub.DispatchedAt == nil
	if claimed {
		at := now
		sub.DispatchedAt = &at
	}
	m.submissions[sub.ID] = sub
	return claimed, nil
}

func (m *MemoryStore) ReleaseDispatch(_ context.Context, submissionID int64, claimedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[submissionID]
	if !ok || sub.DispatchedAt == nil || !sub.DispatchedAt.Equal(claimedAt) {
		return nil
	}
	sub.DispatchedAt = nil
	m.submissions[sub.ID] = sub
	return nil
}

func cloneSubmission(sub Submission) Submission {
	fields := make([]SubmissionField, len(sub.Fields))
	copy(fields, sub.Fields)
	sub.Fields = fields
	return sub
}
