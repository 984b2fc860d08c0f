package store

import (
	"encoding/json"
	"time"
)

type FormField struct {
	ID       int64
	FormID   int64
	Type     string
	Title    string
	Position int
}

// Hook is an outbound webhook configured on a form.
type Hook struct {
	ID      int64
	FormID  int64
	Enabled bool
	URL     string
	Secret  string
}

// Notification is an e-mail sent when a submission finishes. The recipient is
// ToEmail, or the answer to the form field ToFieldID when set.
type Notification struct {
	ID           int64
	FormID       int64
	Enabled      bool
	Subject      string
	HTMLTemplate string
	ToEmail      string
	ToFieldID    *int64
	ReplyTo      string
}

type Form struct {
	ID                  int64
	Title               string
	Language            string
	IsLive              bool
	AnonymousSubmission bool
	Token               string
	Fields              []FormField
	Hooks               []Hook
	Notifications       []Notification
	CreatedAt           time.Time
}

// Field returns the form field with the given id.
func (f Form) Field(id int64) (FormField, bool) {
	for _, field := range f.Fields {
		if field.ID == id {
			return field, true
		}
	}
	return FormField{}, false
}

type Invitation struct {
	Token     string
	FormID    int64
	MSISDN    string
	Used      bool
	CreatedAt time.Time
}

type Device struct {
	Type     string
	Name     string
	Language string
}

type Submission struct {
	ID                 int64
	FormID             int64
	UserID             *int64
	IPAddr             string
	Device             Device
	TokenHash          string
	InvitationToken    *string
	TimeElapsed        int64
	PercentageComplete float64
	Version            int64
	DispatchedAt       *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Fields             []SubmissionField
}

// Field returns the answer recorded for a form field.
func (s Submission) Field(fieldID int64) (SubmissionField, bool) {
	for _, field := range s.Fields {
		if field.FieldID == fieldID {
			return field, true
		}
	}
	return SubmissionField{}, false
}

// Finished reports whether every form field has been answered or the
// submission was finished explicitly.
func (s Submission) Finished() bool {
	return s.PercentageComplete >= 1
}

type SubmissionField struct {
	ID           int64
	SubmissionID int64
	FieldID      int64
	Type         string
	Content      json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
