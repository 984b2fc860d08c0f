package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"formcollect/api/internal/common"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const formColumns = `id, title, language, is_live, anonymous_submission, form_token, created_at`

func (s *PostgresStore) GetForm(ctx context.Context, formID int64) (Form, error) {
	return s.loadForm(ctx, `SELECT `+formColumns+` FROM forms WHERE id = $1`, formID)
}

func (s *PostgresStore) GetFormByToken(ctx context.Context, token string) (Form, error) {
	return s.loadForm(ctx, `SELECT `+formColumns+` FROM forms WHERE form_token = $1`, token)
}

func (s *PostgresStore) loadForm(ctx context.Context, query string, arg any) (Form, error) {
	var form Form
	var token sql.NullString
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&form.ID, &form.Title, &form.Language, &form.IsLive, &form.AnonymousSubmission, &token, &form.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Form{}, common.ErrNotFound
	}
	if err != nil {
		return Form{}, fmt.Errorf("read form: %w", err)
	}
	form.Token = token.String

	if form.Fields, err = s.listFormFields(ctx, form.ID); err != nil {
		return Form{}, err
	}
	if form.Hooks, err = s.listHooks(ctx, form.ID); err != nil {
		return Form{}, err
	}
	if form.Notifications, err = s.listNotifications(ctx, form.ID); err != nil {
		return Form{}, err
	}
	return form, nil
}

func (s *PostgresStore) listFormFields(ctx context.Context, formID int64) ([]FormField, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, form_id, type, title, position
		FROM form_fields
		WHERE form_id = $1
		ORDER BY position, id
	`, formID)
	if err != nil {
		return nil, fmt.Errorf("list form fields: %w", err)
	}
	defer rows.Close()

	fields := []FormField{}
	for rows.Next() {
		var field FormField
		if err := rows.Scan(&field.ID, &field.FormID, &field.Type, &field.Title, &field.Position); err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}
	return fields, rows.Err()
}

func (s *PostgresStore) listHooks(ctx context.Context, formID int64) ([]Hook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, form_id, enabled, url, secret
		FROM form_hooks
		WHERE form_id = $1
		ORDER BY id
	`, formID)
	if err != nil {
		return nil, fmt.Errorf("list hooks: %w", err)
	}
	defer rows.Close()

	hooks := []Hook{}
	for rows.Next() {
		var hook Hook
		if err := rows.Scan(&hook.ID, &hook.FormID, &hook.Enabled, &hook.URL, &hook.Secret); err != nil {
			return nil, err
		}
		hooks = append(hooks, hook)
	}
	return hooks, rows.Err()
}

func (s *PostgresStore) listNotifications(ctx context.Context, formID int64) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, form_id, enabled, subject, html_template, to_email, to_field_id, reply_to
		FROM form_notifications
		WHERE form_id = $1
		ORDER BY id
	`, formID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := []Notification{}
	for rows.Next() {
		var item Notification
		var toField sql.NullInt64
		if err := rows.Scan(&item.ID, &item.FormID, &item.Enabled, &item.Subject, &item.HTMLTemplate, &item.ToEmail, &toField, &item.ReplyTo); err != nil {
			return nil, err
		}
		if toField.Valid {
			id := toField.Int64
			item.ToFieldID = &id
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetInvitation(ctx context.Context, token string) (Invitation, error) {
	var inv Invitation
	err := s.db.QueryRowContext(ctx, `
		SELECT invitation_token, form_id, msisdn, is_used, created_at
		FROM survey_invitations
		WHERE invitation_token = $1
	`, token).Scan(&inv.Token, &inv.FormID, &inv.MSISDN, &inv.Used, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Invitation{}, common.ErrNotFound
	}
	if err != nil {
		return Invitation{}, fmt.Errorf("read invitation: %w", err)
	}
	return inv, nil
}

// MarkInvitationUsed is idempotent; marking an already used invitation is
// not an error.
func (s *PostgresStore) MarkInvitationUsed(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE survey_invitations SET is_used = TRUE WHERE invitation_token = $1`, token)
	if err != nil {
		return fmt.Errorf("mark invitation used: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return common.ErrNotFound
	}
	return nil
}

const submissionColumns = `id, form_id, user_id, ip_addr, device_type, device_name, device_language,
	token_hash, invitation_token, time_elapsed, percentage_complete, version, dispatched_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (Submission, error) {
	var sub Submission
	var userID sql.NullInt64
	var invitation sql.NullString
	var dispatchedAt sql.NullTime
	err := row.Scan(
		&sub.ID, &sub.FormID, &userID, &sub.IPAddr,
		&sub.Device.Type, &sub.Device.Name, &sub.Device.Language,
		&sub.TokenHash, &invitation, &sub.TimeElapsed, &sub.PercentageComplete, &sub.Version,
		&dispatchedAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return Submission{}, err
	}
	if userID.Valid {
		id := userID.Int64
		sub.UserID = &id
	}
	if invitation.Valid {
		token := invitation.String
		sub.InvitationToken = &token
	}
	if dispatchedAt.Valid {
		at := dispatchedAt.Time
		sub.DispatchedAt = &at
	}
	return sub, nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, submissionID int64) (Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, submissionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, common.ErrNotFound
	}
	if err != nil {
		return Submission{}, fmt.Errorf("read submission: %w", err)
	}
	if sub.Fields, err = listSubmissionFields(ctx, s.db, sub.ID); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

// FindSubmission looks up the submission a client token hash owns on a form.
func (s *PostgresStore) FindSubmission(ctx context.Context, formID int64, tokenHash string) (Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE form_id = $1 AND token_hash = $2`, formID, tokenHash))
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, common.ErrNotFound
	}
	if err != nil {
		return Submission{}, fmt.Errorf("find submission: %w", err)
	}
	if sub.Fields, err = listSubmissionFields(ctx, s.db, sub.ID); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

// CreateSubmission inserts sub unless a submission already exists for the
// same form and token hash, in which case the existing one is returned and
// created is false.
func (s *PostgresStore) CreateSubmission(ctx context.Context, sub Submission) (Submission, bool, error) {
	var userID sql.NullInt64
	if sub.UserID != nil {
		userID = sql.NullInt64{Int64: *sub.UserID, Valid: true}
	}
	var invitation sql.NullString
	if sub.InvitationToken != nil {
		invitation = sql.NullString{String: *sub.InvitationToken, Valid: true}
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO submissions (
			form_id, user_id, ip_addr, device_type, device_name, device_language,
			token_hash, invitation_token, time_elapsed, percentage_complete, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (form_id, token_hash) DO NOTHING
		RETURNING id, version
	`, sub.FormID, userID, sub.IPAddr, sub.Device.Type, sub.Device.Name, sub.Device.Language,
		sub.TokenHash, invitation, sub.TimeElapsed, sub.PercentageComplete, sub.CreatedAt,
	).Scan(&sub.ID, &sub.Version)
	if errors.Is(err, sql.ErrNoRows) {
		existing, findErr := s.FindSubmission(ctx, sub.FormID, sub.TokenHash)
		if findErr != nil {
			return Submission{}, false, findErr
		}
		return existing, false, nil
	}
	if err != nil {
		return Submission{}, false, fmt.Errorf("insert submission: %w", err)
	}
	sub.UpdatedAt = sub.CreatedAt
	sub.Fields = []SubmissionField{}
	return sub, true, nil
}

// UpdateSubmission locks the submission row, lets fn mutate the loaded
// submission and persists the result in one transaction. fn returns the
// answer it added or changed, or nil. The version is bumped on every call.
func (s *PostgresStore) UpdateSubmission(ctx context.Context, submissionID int64, fn func(*Submission) (*SubmissionField, error)) (Submission, error) {
	var out Submission
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		sub, err := scanSubmission(tx.QueryRowContext(ctx,
			`SELECT `+submissionColumns+` FROM submissions WHERE id = $1 FOR UPDATE`, submissionID))
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock submission: %w", err)
		}
		if sub.Fields, err = listSubmissionFields(ctx, tx, sub.ID); err != nil {
			return err
		}

		changed, err := fn(&sub)
		if err != nil {
			return err
		}

		if changed != nil {
			if err := tx.QueryRowContext(ctx, `
				INSERT INTO submission_fields (submission_id, field_id, type, content, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $5)
				ON CONFLICT (submission_id, field_id) DO UPDATE
				SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at
				RETURNING id, created_at
			`, sub.ID, changed.FieldID, changed.Type, string(changed.Content), changed.UpdatedAt,
			).Scan(&changed.ID, &changed.CreatedAt); err != nil {
				return fmt.Errorf("upsert submission field: %w", err)
			}
			changed.SubmissionID = sub.ID
		}

		if err := tx.QueryRowContext(ctx, `
			UPDATE submissions
			SET time_elapsed = $2, percentage_complete = $3, version = version + 1, updated_at = $4
			WHERE id = $1
			RETURNING version
		`, sub.ID, sub.TimeElapsed, sub.PercentageComplete, sub.UpdatedAt).Scan(&sub.Version); err != nil {
			return fmt.Errorf("update submission: %w", err)
		}
		out = sub
		return nil
	})
	if err != nil {
		return Submission{}, err
	}
	return out, nil
}

// FinishSubmission forces completion to 1 and claims the dispatch guard.
// claimed is true only for the first call on a submission.
func (s *PostgresStore) FinishSubmission(ctx context.Context, submissionID int64, now time.Time) (bool, error) {
	var claimed bool
	err := s.db.QueryRowContext(ctx, `
		UPDATE submissions AS s
		SET percentage_complete = 1,
			version = s.version + 1,
			updated_at = $2,
			dispatched_at = COALESCE(s.dispatched_at, $2)
		FROM (SELECT id, dispatched_at FROM submissions WHERE id = $1 FOR UPDATE) AS prev
		WHERE s.id = prev.id
		RETURNING prev.dispatched_at IS NULL
	`, submissionID, now).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, common.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("finish submission: %w", err)
	}
	return claimed, nil
}

// ReleaseDispatch clears a dispatch claim taken at claimedAt so a later finish
// can claim it again. A claim taken at another time is left alone.
func (s *PostgresStore) ReleaseDispatch(ctx context.Context, submissionID int64, claimedAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE submissions
		SET dispatched_at = NULL
		WHERE id = $1 AND dispatched_at = $2
	`, submissionID, claimedAt); err != nil {
		return fmt.Errorf("release dispatch: %w", err)
	}
	return nil
}

func listSubmissionFields(ctx context.Context, q DBTX, submissionID int64) ([]SubmissionField, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, submission_id, field_id, type, content, created_at, updated_at
		FROM submission_fields
		WHERE submission_id = $1
		ORDER BY id
	`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list submission fields: %w", err)
	}
	defer rows.Close()

	fields := []SubmissionField{}
	for rows.Next() {
		var field SubmissionField
		var content []byte
		if err := rows.Scan(&field.ID, &field.SubmissionID, &field.FieldID, &field.Type, &content, &field.CreatedAt, &field.UpdatedAt); err != nil {
			return nil, err
		}
		field.Content = content
		fields = append(fields, field)
	}
	return fields, rows.Err()
}
