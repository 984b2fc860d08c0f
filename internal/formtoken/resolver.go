// Package formtoken resolves public access tokens to forms. A token is
// either a per-recipient invitation or a form's shareable direct token.
package formtoken

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"formcollect/api/internal/common"
	"formcollect/api/internal/logging"
	"formcollect/api/internal/store"
)

type Store interface {
	GetForm(ctx context.Context, formID int64) (store.Form, error)
	GetFormByToken(ctx context.Context, token string) (store.Form, error)
	GetInvitation(ctx context.Context, token string) (store.Invitation, error)
	MarkInvitationUsed(ctx context.Context, token string) error
}

// Result is a resolved token. InvitationToken is set only when IsInvitation.
type Result struct {
	Form            store.Form
	IsInvitation    bool
	InvitationToken string
}

type Resolver struct {
	store Store
	log   logging.Logger
}

func NewResolver(s Store, log logging.Logger) *Resolver {
	return &Resolver{store: s, log: logging.Component(log, "formtoken")}
}

// Resolve looks the token up as an invitation first, then as a direct form
// token. The resolved form must be live. Used invitations still resolve.
func (r *Resolver) Resolve(ctx context.Context, token string) (Result, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Result{}, fmt.Errorf("empty form token: %w", common.ErrInvalidInput)
	}

	result, err := r.lookup(ctx, token)
	if err != nil {
		return Result{}, err
	}
	if !result.Form.IsLive {
		return Result{}, fmt.Errorf("form %d: %w", result.Form.ID, common.ErrNotActive)
	}
	return result, nil
}

func (r *Resolver) lookup(ctx context.Context, token string) (Result, error) {
	inv, err := r.store.GetInvitation(ctx, token)
	switch {
	case err == nil:
		form, err := r.store.GetForm(ctx, inv.FormID)
		if err != nil {
			return Result{}, fmt.Errorf("invitation form: %w", err)
		}
		r.log.Debug(ctx, "resolved invitation token", "form", form.ID, "used", inv.Used)
		return Result{Form: form, IsInvitation: true, InvitationToken: inv.Token}, nil
	case !errors.Is(err, common.ErrNotFound):
		return Result{}, fmt.Errorf("lookup invitation: %w", err)
	}

	form, err := r.store.GetFormByToken(ctx, token)
	if err != nil {
		return Result{}, fmt.Errorf("lookup form token: %w", err)
	}
	return Result{Form: form}, nil
}

// MarkInvitationUsed flags the invitation as used. Repeated calls are no-ops.
func (r *Resolver) MarkInvitationUsed(ctx context.Context, token string) error {
	if err := r.store.MarkInvitationUsed(ctx, token); err != nil {
		return fmt.Errorf("mark invitation %s used: %w", token, err)
	}
	r.log.Info(ctx, "invitation marked used")
	return nil
}
