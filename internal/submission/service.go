// Package submission manages respondent sessions: starting a submission,
// recording answers one field at a time and finishing it.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"formcollect/api/internal/auth"
	"formcollect/api/internal/common"
	"formcollect/api/internal/formtoken"
	"formcollect/api/internal/ids"
	"formcollect/api/internal/logging"
	"formcollect/api/internal/sanitize"
	"formcollect/api/internal/store"
)

type Store interface {
	GetForm(ctx context.Context, formID int64) (store.Form, error)
	GetSubmission(ctx context.Context, submissionID int64) (store.Submission, error)
	FindSubmission(ctx context.Context, formID int64, tokenHash string) (store.Submission, error)
	CreateSubmission(ctx context.Context, sub store.Submission) (store.Submission, bool, error)
	UpdateSubmission(ctx context.Context, submissionID int64, fn func(*store.Submission) (*store.SubmissionField, error)) (store.Submission, error)
	FinishSubmission(ctx context.Context, submissionID int64, now time.Time) (bool, error)
	ReleaseDispatch(ctx context.Context, submissionID int64, claimedAt time.Time) error
}

type TokenResolver interface {
	Resolve(ctx context.Context, token string) (formtoken.Result, error)
	MarkInvitationUsed(ctx context.Context, token string) error
}

// Scheduler hands a finished submission to background dispatch. It must
// only enqueue and return.
type Scheduler interface {
	Schedule(ctx context.Context, submissionID, formID int64) error
}

type StartInput struct {
	Token  string
	Device store.Device
}

type SetFieldInput struct {
	// Field is the encoded form field id or its plain numeric id.
	Field string
	// Data is the raw JSON text of the answer.
	Data string
}

type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	store     Store
	tokens    TokenResolver
	scheduler Scheduler
	codec     *ids.Codec
	sanitizer *sanitize.Sanitizer
	secret    []byte
	now       func() time.Time
	log       logging.Logger
}

func NewService(s Store, tokens TokenResolver, scheduler Scheduler, codec *ids.Codec, tokenSecret []byte, log logging.Logger, opts ...Option) *Service {
	svc := &Service{
		store:     s,
		tokens:    tokens,
		scheduler: scheduler,
		codec:     codec,
		sanitizer: sanitize.New(log),
		secret:    tokenSecret,
		now:       time.Now,
		log:       logging.Component(log, "submission"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Start returns the submission the client token already owns on form, or
// creates one. The raw token is never stored.
func (s *Service) Start(ctx context.Context, form store.Form, in StartInput, userID *int64, clientAddr string) (store.Submission, error) {
	sub, _, err := s.start(ctx, form, in, userID, clientAddr, nil)
	return sub, err
}

// StartForForm is the direct entry by form id.
func (s *Service) StartForForm(ctx context.Context, formID int64, in StartInput, userID *int64, clientAddr string) (store.Submission, error) {
	form, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return store.Submission{}, fmt.Errorf("load form: %w", err)
	}
	if !form.IsLive {
		return store.Submission{}, fmt.Errorf("form %d: %w", form.ID, common.ErrNotActive)
	}
	return s.Start(ctx, form, in, userID, clientAddr)
}

// StartWithToken resolves an invitation or direct access token and starts
// the submission. Submissions created through an invitation keep a reference
// to it, and the invitation is marked used once the new row exists.
func (s *Service) StartWithToken(ctx context.Context, accessToken string, in StartInput, userID *int64, clientAddr string) (store.Submission, error) {
	resolved, err := s.tokens.Resolve(ctx, accessToken)
	if err != nil {
		return store.Submission{}, err
	}

	var invitation *string
	if resolved.IsInvitation {
		token := resolved.InvitationToken
		invitation = &token
	}

	sub, created, err := s.start(ctx, resolved.Form, in, userID, clientAddr, invitation)
	if err != nil {
		return store.Submission{}, err
	}

	if resolved.IsInvitation && created {
		if err := s.tokens.MarkInvitationUsed(ctx, resolved.InvitationToken); err != nil {
			s.log.Error(ctx, "failed to mark invitation used", "submission", sub.ID, "form", sub.FormID, "error", err)
		}
	}
	return sub, nil
}

func (s *Service) start(ctx context.Context, form store.Form, in StartInput, userID *int64, clientAddr string, invitation *string) (store.Submission, bool, error) {
	token := strings.TrimSpace(in.Token)
	if token == "" {
		return store.Submission{}, false, fmt.Errorf("empty submission token: %w", common.ErrInvalidInput)
	}
	hash := auth.HashToken(s.secret, token)

	existing, err := s.store.FindSubmission(ctx, form.ID, hash)
	if err == nil {
		s.log.Debug(ctx, "resuming submission", "submission", existing.ID, "form", form.ID)
		return existing, false, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return store.Submission{}, false, fmt.Errorf("find submission: %w", err)
	}

	sub := store.Submission{
		FormID:          form.ID,
		IPAddr:          AnonymizeIP(clientAddr),
		Device:          in.Device,
		TokenHash:       hash,
		InvitationToken: invitation,
		CreatedAt:       s.now(),
	}
	if !form.AnonymousSubmission && userID != nil {
		id := *userID
		sub.UserID = &id
	}

	sub, created, err := s.store.CreateSubmission(ctx, sub)
	if err != nil {
		return store.Submission{}, false, fmt.Errorf("create submission: %w", err)
	}
	if created {
		s.log.Info(ctx, "submission started", "submission", sub.ID, "form", form.ID, "invitation", invitation != nil)
	}
	return sub, created, nil
}

// Authorize loads a submission and checks the caller holds its client token.
// A mismatch is reported as ErrOwnershipDenied, which matches ErrNotFound.
func (s *Service) Authorize(ctx context.Context, submissionID int64, clientToken string) (store.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return store.Submission{}, fmt.Errorf("load submission: %w", err)
	}
	if !auth.TokenMatches(s.secret, strings.TrimSpace(clientToken), sub.TokenHash) {
		return store.Submission{}, common.ErrOwnershipDenied
	}
	return sub, nil
}

// SaveField records one answer. The answer is sanitized, the elapsed time and
// completion are recomputed, and both writes commit together. Reaching full
// completion runs Finish.
func (s *Service) SaveField(ctx context.Context, sub store.Submission, in SetFieldInput) (store.Submission, error) {
	fieldID, err := s.codec.DecodeOrNumeric(strings.TrimSpace(in.Field))
	if err != nil {
		return store.Submission{}, err
	}

	form, err := s.store.GetForm(ctx, sub.FormID)
	if err != nil {
		return store.Submission{}, fmt.Errorf("load form: %w", err)
	}

	var fieldType string
	if field, ok := form.Field(fieldID); ok {
		fieldType = field.Type
	}
	value := s.sanitizer.Sanitize(ctx, in.Data, "submission", sub.ID, "field", fieldID, "type", fieldType)
	content, err := sanitize.Marshal(value)
	if err != nil {
		return store.Submission{}, fmt.Errorf("encode answer: %w", err)
	}

	now := s.now()
	updated, err := s.store.UpdateSubmission(ctx, sub.ID, func(cur *store.Submission) (*store.SubmissionField, error) {
		changed, err := upsertField(cur, form, fieldID, content, now)
		if err != nil {
			return nil, err
		}
		cur.TimeElapsed = elapsedSeconds(cur.CreatedAt, now)
		cur.PercentageComplete = max(cur.PercentageComplete, completion(*cur, form))
		cur.UpdatedAt = now
		return changed, nil
	})
	if err != nil {
		return store.Submission{}, fmt.Errorf("save field %d: %w", fieldID, err)
	}

	s.log.Debug(ctx, "field saved",
		"submission", updated.ID, "form", updated.FormID, "field", fieldID, "completion", updated.PercentageComplete)

	if updated.Finished() && updated.DispatchedAt == nil {
		return s.Finish(ctx, updated)
	}
	return updated, nil
}

func upsertField(sub *store.Submission, form store.Form, fieldID int64, content []byte, now time.Time) (*store.SubmissionField, error) {
	for i := range sub.Fields {
		if sub.Fields[i].FieldID == fieldID {
			sub.Fields[i].Content = content
			sub.Fields[i].UpdatedAt = now
			return &sub.Fields[i], nil
		}
	}

	field, ok := form.Field(fieldID)
	if !ok {
		return nil, fmt.Errorf("field %d is not on form %d: %w", fieldID, form.ID, common.ErrInvalidField)
	}
	sub.Fields = append(sub.Fields, store.SubmissionField{
		SubmissionID: sub.ID,
		FieldID:      field.ID,
		Type:         field.Type,
		Content:      content,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	return &sub.Fields[len(sub.Fields)-1], nil
}

// elapsedSeconds never goes negative, even when the clock moved backwards.
func elapsedSeconds(created, now time.Time) int64 {
	elapsed := int64(now.Sub(created) / time.Second)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// completion is the share of the form's fields with an answer, capped at 1.
func completion(sub store.Submission, form store.Form) float64 {
	if len(form.Fields) == 0 {
		return 0
	}
	answered := map[int64]struct{}{}
	for _, field := range sub.Fields {
		if _, ok := form.Field(field.FieldID); ok {
			answered[field.FieldID] = struct{}{}
		}
	}
	return min(1, float64(len(answered))/float64(len(form.Fields)))
}

// Finish forces completion to 1. The first finish of a submission schedules
// webhook and notification dispatch; later calls do not dispatch again.
// Dispatch problems are logged and never returned. When scheduling fails the
// claim is released, so the next finish or field write tries again.
func (s *Service) Finish(ctx context.Context, sub store.Submission) (store.Submission, error) {
	now := s.now()
	claimed, err := s.store.FinishSubmission(ctx, sub.ID, now)
	if err != nil {
		return store.Submission{}, fmt.Errorf("finish submission: %w", err)
	}

	if sub.InvitationToken != nil {
		if err := s.tokens.MarkInvitationUsed(ctx, *sub.InvitationToken); err != nil {
			s.log.Error(ctx, "failed to mark invitation used", "submission", sub.ID, "form", sub.FormID, "error", err)
		}
	}

	if claimed {
		s.schedule(context.WithoutCancel(ctx), sub, now)
	} else {
		s.log.Debug(ctx, "submission already dispatched", "submission", sub.ID, "form", sub.FormID)
	}

	finished, err := s.store.GetSubmission(ctx, sub.ID)
	if err != nil {
		return store.Submission{}, fmt.Errorf("reload submission: %w", err)
	}
	return finished, nil
}

func (s *Service) schedule(ctx context.Context, sub store.Submission, claimedAt time.Time) {
	err := s.scheduler.Schedule(ctx, sub.ID, sub.FormID)
	if err == nil {
		s.log.Info(ctx, "submission finished", "submission", sub.ID, "form", sub.FormID)
		return
	}
	s.log.Error(ctx, "failed to schedule dispatch", "submission", sub.ID, "form", sub.FormID, "error", err)
	if err := s.store.ReleaseDispatch(ctx, sub.ID, claimedAt); err != nil {
		s.log.Error(ctx, "failed to release dispatch claim", "submission", sub.ID, "form", sub.FormID, "error", err)
	}
}
