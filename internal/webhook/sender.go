// Package webhook posts finished submissions to the hooks configured on a
// form.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"formcollect/api/internal/dispatch"
	"formcollect/api/internal/ids"
	"formcollect/api/internal/logging"
	"formcollect/api/internal/store"
)

const (
	SignatureHeader = "X-Form-Signature"
	EventHeader     = "X-Form-Event"
	userAgent       = "formcollect-webhook/1.0"
)

type Sender struct {
	client *http.Client
	codec  *ids.Codec
	log    logging.Logger
}

// NewSender uses client for delivery; a nil client gets a plain one with
// the given timeout.
func NewSender(client *http.Client, timeout time.Duration, codec *ids.Codec, log logging.Logger) *Sender {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Sender{client: client, codec: codec, log: logging.Component(log, "webhook")}
}

func (s *Sender) Name() string {
	return "webhook"
}

// Deliver posts the submission to every enabled hook. Each hook is tried
// once; failures are joined.
func (s *Sender) Deliver(ctx context.Context, form store.Form, sub store.Submission) error {
	var hooks []store.Hook
	for _, hook := range form.Hooks {
		if hook.Enabled && hook.URL != "" {
			hooks = append(hooks, hook)
		}
	}
	if len(hooks) == 0 {
		return nil
	}

	body, err := json.Marshal(dispatch.NewPayload(s.codec, form, sub))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var errs []error
	for _, hook := range hooks {
		if err := s.post(ctx, hook, body); err != nil {
			errs = append(errs, fmt.Errorf("hook %d: %w", hook.ID, err))
			continue
		}
		s.log.Info(ctx, "webhook delivered", "hook", hook.ID, "submission", sub.ID, "form", form.ID)
	}
	return errors.Join(errs...)
}

func (s *Sender) post(ctx context.Context, hook store.Hook, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(EventHeader, dispatch.EventSubmissionFinished)
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign([]byte(hook.Secret), body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 keyed with secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Sign.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
