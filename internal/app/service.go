package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"formcollect/api/internal/auth"
	"formcollect/api/internal/common"
	"formcollect/api/internal/formtoken"
	"formcollect/api/internal/ids"
	"formcollect/api/internal/logging"
	"formcollect/api/internal/store"
	"formcollect/api/internal/submission"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type TokenResolver interface {
	Resolve(ctx context.Context, token string) (formtoken.Result, error)
}

type Submissions interface {
	StartForForm(ctx context.Context, formID int64, in submission.StartInput, userID *int64, clientAddr string) (store.Submission, error)
	StartWithToken(ctx context.Context, accessToken string, in submission.StartInput, userID *int64, clientAddr string) (store.Submission, error)
	Authorize(ctx context.Context, submissionID int64, clientToken string) (store.Submission, error)
	SaveField(ctx context.Context, sub store.Submission, in submission.SetFieldInput) (store.Submission, error)
	Finish(ctx context.Context, sub store.Submission) (store.Submission, error)
}

// Client describes the caller of a request.
type Client struct {
	UserID *int64
	Addr   string
}

type DeviceInput struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Language string `json:"language"`
}

type StartInput struct {
	Token  string      `json:"token"`
	Device DeviceInput `json:"device"`
}

type StartWithTokenInput struct {
	FormToken string      `json:"formToken"`
	Token     string      `json:"token"`
	Device    DeviceInput `json:"device"`
}

type SetFieldInput struct {
	Token string `json:"token"`
	Field string `json:"field"`
	// Data is normally a JSON string holding the answer's JSON text. Any
	// other JSON value is used as the answer text directly.
	Data json.RawMessage `json:"data"`
}

type FinishInput struct {
	Token string `json:"token"`
}

type FieldView struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Position int    `json:"position"`
}

type FormView struct {
	ID                  string      `json:"id"`
	Title               string      `json:"title"`
	Language            string      `json:"language"`
	AnonymousSubmission bool        `json:"anonymousSubmission"`
	Fields              []FieldView `json:"fields"`
}

// PublicFormView is the resolved form plus how the token resolved.
type PublicFormView struct {
	Form            FormView `json:"form"`
	IsInvitation    bool     `json:"isInvitation"`
	InvitationToken string   `json:"invitationToken,omitempty"`
}

type SubmissionView struct {
	ID                 string  `json:"id"`
	PercentageComplete float64 `json:"percentageComplete"`
	TimeElapsed        int64   `json:"timeElapsed"`
}

// Service adapts the collection engine to the HTTP API: it decodes and
// encodes identifiers and shapes responses.
type Service struct {
	store       Pinger
	resolver    TokenResolver
	submissions Submissions
	codec       *ids.Codec
	jwtSecret   []byte
	log         logging.Logger
}

func New(pinger Pinger, resolver TokenResolver, submissions Submissions, codec *ids.Codec, jwtSecret []byte, log logging.Logger) *Service {
	return &Service{
		store:       pinger,
		resolver:    resolver,
		submissions: submissions,
		codec:       codec,
		jwtSecret:   jwtSecret,
		log:         logging.Component(log, "api"),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// UserFromBearer returns the user id carried by a bearer token. Missing or
// invalid tokens yield nil; invalid ones are logged.
func (s *Service) UserFromBearer(ctx context.Context, token string) *int64 {
	if token == "" || len(s.jwtSecret) == 0 {
		return nil
	}
	userID, err := auth.ParseUserID(s.jwtSecret, token)
	if err != nil {
		s.log.Warn(ctx, "ignoring bearer token", "error", err)
		return nil
	}
	return &userID
}

func (s *Service) PublicForm(ctx context.Context, token string) (PublicFormView, error) {
	resolved, err := s.resolver.Resolve(ctx, token)
	if err != nil {
		return PublicFormView{}, err
	}

	form := resolved.Form
	view := FormView{
		ID:                  s.codec.Encode(form.ID),
		Title:               form.Title,
		Language:            form.Language,
		AnonymousSubmission: form.AnonymousSubmission,
		Fields:              make([]FieldView, 0, len(form.Fields)),
	}
	for _, field := range form.Fields {
		view.Fields = append(view.Fields, FieldView{
			ID:       s.codec.Encode(field.ID),
			Type:     field.Type,
			Title:    field.Title,
			Position: field.Position,
		})
	}
	return PublicFormView{
		Form:            view,
		IsInvitation:    resolved.IsInvitation,
		InvitationToken: resolved.InvitationToken,
	}, nil
}

func (s *Service) StartDirect(ctx context.Context, encodedFormID string, in StartInput, client Client) (SubmissionView, error) {
	formID, err := s.decodePathID(encodedFormID, "form")
	if err != nil {
		return SubmissionView{}, err
	}
	sub, err := s.submissions.StartForForm(ctx, formID, startInput(in.Token, in.Device), client.UserID, client.Addr)
	if err != nil {
		return SubmissionView{}, err
	}
	return s.submissionView(sub), nil
}

func (s *Service) StartWithToken(ctx context.Context, in StartWithTokenInput, client Client) (SubmissionView, error) {
	sub, err := s.submissions.StartWithToken(ctx, in.FormToken, startInput(in.Token, in.Device), client.UserID, client.Addr)
	if err != nil {
		return SubmissionView{}, err
	}
	return s.submissionView(sub), nil
}

func (s *Service) SetField(ctx context.Context, encodedSubmissionID string, in SetFieldInput) (SubmissionView, error) {
	sub, err := s.authorize(ctx, encodedSubmissionID, in.Token)
	if err != nil {
		return SubmissionView{}, err
	}
	updated, err := s.submissions.SaveField(ctx, sub, submission.SetFieldInput{
		Field: in.Field,
		Data:  answerText(in.Data),
	})
	if err != nil {
		return SubmissionView{}, err
	}
	return s.submissionView(updated), nil
}

func (s *Service) Finish(ctx context.Context, encodedSubmissionID string, in FinishInput) (SubmissionView, error) {
	sub, err := s.authorize(ctx, encodedSubmissionID, in.Token)
	if err != nil {
		return SubmissionView{}, err
	}
	finished, err := s.submissions.Finish(ctx, sub)
	if err != nil {
		return SubmissionView{}, err
	}
	return s.submissionView(finished), nil
}

func (s *Service) authorize(ctx context.Context, encodedSubmissionID, token string) (store.Submission, error) {
	submissionID, err := s.decodePathID(encodedSubmissionID, "submission")
	if err != nil {
		return store.Submission{}, err
	}
	return s.submissions.Authorize(ctx, submissionID, token)
}

// decodePathID reports undecodable path identifiers as missing resources.
func (s *Service) decodePathID(encoded, kind string) (int64, error) {
	id, err := s.codec.Decode(encoded)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", kind, encoded, common.ErrNotFound)
	}
	return id, nil
}

func (s *Service) submissionView(sub store.Submission) SubmissionView {
	return SubmissionView{
		ID:                 s.codec.Encode(sub.ID),
		PercentageComplete: sub.PercentageComplete,
		TimeElapsed:        sub.TimeElapsed,
	}
}

func startInput(token string, device DeviceInput) submission.StartInput {
	return submission.StartInput{
		Token: token,
		Device: store.Device{
			Type:     deviceText(device.Type),
			Name:     deviceText(device.Name),
			Language: deviceText(device.Language),
		},
	}
}

// deviceText trims a device attribute and drops NUL characters, which the
// database cannot store.
func deviceText(value string) string {
	return strings.TrimSpace(strings.ReplaceAll(value, "\x00", ""))
}

// answerText unwraps a JSON string; other values are passed through as
// their raw text.
func answerText(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return text
	}
	return string(data)
}
