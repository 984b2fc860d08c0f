package dispatch

import (
	"encoding/json"
	"time"

	"formcollect/api/internal/ids"
	"formcollect/api/internal/store"
)

const EventSubmissionFinished = "submission.finished"

// Payload is the outbound representation of a finished submission shared by
// every sink. All identifiers are encoded.
type Payload struct {
	Event              string         `json:"event"`
	SubmissionID       string         `json:"submissionId"`
	FormID             string         `json:"formId"`
	FormTitle          string         `json:"formTitle"`
	PercentageComplete float64        `json:"percentageComplete"`
	TimeElapsed        int64          `json:"timeElapsed"`
	Device             PayloadDevice  `json:"device"`
	CreatedAt          time.Time      `json:"createdAt"`
	FinishedAt         time.Time      `json:"finishedAt"`
	Fields             []PayloadField `json:"fields"`
}

type PayloadDevice struct {
	Type     string `json:"type,omitempty"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
}

type PayloadField struct {
	FieldID string          `json:"fieldId"`
	Type    string          `json:"type"`
	Title   string          `json:"title,omitempty"`
	Content json.RawMessage `json:"content"`
}

// NewPayload lists answers in form field order; answers to fields no longer
// on the form come last.
func NewPayload(codec *ids.Codec, form store.Form, sub store.Submission) Payload {
	p := Payload{
		Event:              EventSubmissionFinished,
		SubmissionID:       codec.Encode(sub.ID),
		FormID:             codec.Encode(form.ID),
		FormTitle:          form.Title,
		PercentageComplete: sub.PercentageComplete,
		TimeElapsed:        sub.TimeElapsed,
		Device:             PayloadDevice(sub.Device),
		CreatedAt:          sub.CreatedAt,
		FinishedAt:         sub.UpdatedAt,
		Fields:             make([]PayloadField, 0, len(sub.Fields)),
	}

	placed := map[int64]bool{}
	for _, field := range form.Fields {
		answer, ok := sub.Field(field.ID)
		if !ok {
			continue
		}
		placed[field.ID] = true
		p.Fields = append(p.Fields, PayloadField{
			FieldID: codec.Encode(field.ID),
			Type:    answer.Type,
			Title:   field.Title,
			Content: content(answer.Content),
		})
	}
	for _, answer := range sub.Fields {
		if placed[answer.FieldID] {
			continue
		}
		p.Fields = append(p.Fields, PayloadField{
			FieldID: codec.Encode(answer.FieldID),
			Type:    answer.Type,
			Content: content(answer.Content),
		})
	}
	return p
}

func content(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
