package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"net/mail"
	"strings"
	texttemplate "text/template"
	"time"

	"formcollect/api/internal/ids"
	"formcollect/api/internal/logging"
	"formcollect/api/internal/sanitize"
	"formcollect/api/internal/store"
)

// NotificationData is what notification subject and body templates see.
type NotificationData struct {
	FormID       string
	FormTitle    string
	SubmissionID string
	TimeElapsed  int64
	FinishedAt   time.Time
	Answers      []Answer
	// Fields maps encoded field ids to rendered answers.
	Fields map[string]string
}

type Answer struct {
	FieldID string
	Title   string
	Type    string
	Value   string
}

// Notifier sends the e-mail notifications configured on a form.
type Notifier struct {
	mailer *Service
	codec  *ids.Codec
	log    logging.Logger
}

func NewNotifier(mailer *Service, codec *ids.Codec, log logging.Logger) *Notifier {
	return &Notifier{mailer: mailer, codec: codec, log: logging.Component(log, "email")}
}

func (n *Notifier) Name() string {
	return "email"
}

func (n *Notifier) Deliver(ctx context.Context, form store.Form, sub store.Submission) error {
	var enabled []store.Notification
	for _, item := range form.Notifications {
		if item.Enabled {
			enabled = append(enabled, item)
		}
	}
	if len(enabled) == 0 {
		return nil
	}
	if !n.mailer.IsConfigured() {
		n.log.Warn(ctx, "skipping notifications, smtp not configured",
			"submission", sub.ID, "form", form.ID, "notifications", len(enabled))
		return nil
	}

	data := n.notificationData(form, sub)

	var errs []error
	for _, item := range enabled {
		if err := n.send(ctx, item, data, sub); err != nil {
			errs = append(errs, fmt.Errorf("notification %d: %w", item.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) send(ctx context.Context, item store.Notification, data NotificationData, sub store.Submission) error {
	to := recipient(item, sub)
	if to == "" {
		n.log.Warn(ctx, "notification has no recipient", "notification", item.ID, "submission", sub.ID, "form", sub.FormID)
		return nil
	}

	subject, err := renderSubject(item.Subject, data)
	if err != nil {
		return fmt.Errorf("render subject: %w", err)
	}
	body, err := renderBody(item.HTMLTemplate, data)
	if err != nil {
		return fmt.Errorf("render body: %w", err)
	}

	if err := n.mailer.SendHTMLEmail(Message{
		To:      []string{to},
		ReplyTo: item.ReplyTo,
		Subject: subject,
		HTML:    body,
		Text:    plainText(data),
	}); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	n.log.Info(ctx, "notification sent", "notification", item.ID, "submission", sub.ID, "form", sub.FormID)
	return nil
}

// recipient is the static address, or the answer to ToFieldID when it holds
// a valid address.
func recipient(item store.Notification, sub store.Submission) string {
	if item.ToFieldID == nil {
		return strings.TrimSpace(item.ToEmail)
	}
	answer, ok := sub.Field(*item.ToFieldID)
	if !ok {
		return ""
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(sanitize.Text(answer.Content)))
	if err != nil {
		return ""
	}
	return addr.Address
}

func (n *Notifier) notificationData(form store.Form, sub store.Submission) NotificationData {
	data := NotificationData{
		FormID:       n.codec.Encode(form.ID),
		FormTitle:    form.Title,
		SubmissionID: n.codec.Encode(sub.ID),
		TimeElapsed:  sub.TimeElapsed,
		FinishedAt:   sub.UpdatedAt,
		Fields:       map[string]string{},
	}
	for _, field := range form.Fields {
		answer, ok := sub.Field(field.ID)
		if !ok {
			continue
		}
		encoded := n.codec.Encode(field.ID)
		value := sanitize.Text(answer.Content)
		data.Answers = append(data.Answers, Answer{FieldID: encoded, Title: field.Title, Type: answer.Type, Value: value})
		data.Fields[encoded] = value
	}
	return data
}

func renderSubject(tmpl string, data NotificationData) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = defaultSubjectTemplate
	}
	t, err := texttemplate.New("subject").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return headerValue(buf.String()), nil
}

func renderBody(tmpl string, data NotificationData) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = defaultBodyTemplate
	}
	t, err := htmltemplate.New("body").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func plainText(data NotificationData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\r\n\r\n", data.FormTitle)
	for _, a := range data.Answers {
		fmt.Fprintf(&b, "%s: %s\r\n", a.Title, a.Value)
	}
	return b.String()
}

const defaultSubjectTemplate = `New submission for {{.FormTitle}}`

const defaultBodyTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.FormTitle}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        th { text-align: left; padding-right: 16px; vertical-align: top; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.FormTitle}}</h1>
    </div>

    <table>
        {{range .Answers}}<tr><th>{{.Title}}</th><td>{{.Value}}</td></tr>
        {{end}}
    </table>

    <div class="footer">
        <p>Submission {{.SubmissionID}}, completed in {{.TimeElapsed}} seconds.</p>
    </div>
</body>
</html>`
