package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formcollect/api/internal/common"
)

func newStoreWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

var submissionRowColumns = []string{
	"id", "form_id", "user_id", "ip_addr", "device_type", "device_name", "device_language",
	"token_hash", "invitation_token", "time_elapsed", "percentage_complete", "version",
	"dispatched_at", "created_at", "updated_at",
}

var fieldRowColumns = []string{"id", "submission_id", "field_id", "type", "content", "created_at", "updated_at"}

func TestGetForm_LoadsChildren(t *testing.T) {
	s, mock := newStoreWithMock(t)
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)SELECT .* FROM forms WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "language", "is_live", "anonymous_submission", "form_token", "created_at"}).
			AddRow(int64(7), "Survey", "en", true, false, nil, created))
	mock.ExpectQuery(`(?s)FROM form_fields\s+WHERE form_id = \$1\s+ORDER BY position, id`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "form_id", "type", "title", "position"}).
			AddRow(int64(1), int64(7), "text", "Name", 0).
			AddRow(int64(2), int64(7), "email", "Email", 1))
	mock.ExpectQuery(`(?s)FROM form_hooks`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "form_id", "enabled", "url", "secret"}).
			AddRow(int64(3), int64(7), true, "https://example.test/hook", "s3cret"))
	mock.ExpectQuery(`(?s)FROM form_notifications`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "form_id", "enabled", "subject", "html_template", "to_email", "to_field_id", "reply_to"}).
			AddRow(int64(4), int64(7), true, "New answer", "<p>hi</p>", "", int64(2), "").
			AddRow(int64(5), int64(7), false, "Copy", "", "ops@example.test", nil, ""))

	form, err := s.GetForm(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, "Survey", form.Title)
	assert.Empty(t, form.Token)
	assert.True(t, form.IsLive)
	require.Len(t, form.Fields, 2)
	assert.Equal(t, "email", form.Fields[1].Type)
	require.Len(t, form.Hooks, 1)
	assert.Equal(t, "s3cret", form.Hooks[0].Secret)
	require.Len(t, form.Notifications, 2)
	require.NotNil(t, form.Notifications[0].ToFieldID)
	assert.Equal(t, int64(2), *form.Notifications[0].ToFieldID)
	assert.Nil(t, form.Notifications[1].ToFieldID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetFormByToken_NotFound(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`(?s)SELECT .* FROM forms WHERE form_token = \$1`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetFormByToken(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetInvitation(t *testing.T) {
	s, mock := newStoreWithMock(t)
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)FROM survey_invitations\s+WHERE invitation_token = \$1`).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"invitation_token", "form_id", "msisdn", "is_used", "created_at"}).
			AddRow("inv-1", int64(7), "4790000000", true, created))

	inv, err := s.GetInvitation(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), inv.FormID)
	assert.True(t, inv.Used)
}

func TestMarkInvitationUsed(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectExec(`UPDATE survey_invitations SET is_used = TRUE WHERE invitation_token = \$1`).
		WithArgs("inv-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE survey_invitations SET is_used = TRUE WHERE invitation_token = \$1`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.MarkInvitationUsed(context.Background(), "inv-1"))
	assert.ErrorIs(t, s.MarkInvitationUsed(context.Background(), "missing"), common.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSubmission_Inserted(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	userID := int64(11)

	mock.ExpectQuery(`(?s)INSERT INTO submissions .* ON CONFLICT \(form_id, token_hash\) DO NOTHING\s+RETURNING id, version`).
		WithArgs(int64(7), sqlmock.AnyArg(), "10.1.0.0", "mobile", "iPhone", "en", "hash", sqlmock.AnyArg(), int64(0), float64(0), now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version"}).AddRow(int64(99), int64(0)))

	sub, created, err := s.CreateSubmission(context.Background(), Submission{
		FormID:    7,
		UserID:    &userID,
		IPAddr:    "10.1.0.0",
		Device:    Device{Type: "mobile", Name: "iPhone", Language: "en"},
		TokenHash: "hash",
		CreatedAt: now,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(99), sub.ID)
	assert.Equal(t, now, sub.UpdatedAt)
	assert.Empty(t, sub.Fields)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSubmission_ConflictReturnsExisting(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)INSERT INTO submissions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version"}))
	mock.ExpectQuery(`(?s)FROM submissions WHERE form_id = \$1 AND token_hash = \$2`).
		WithArgs(int64(7), "hash").
		WillReturnRows(sqlmock.NewRows(submissionRowColumns).
			AddRow(int64(42), int64(7), nil, "?", "", "", "", "hash", "inv-1", int64(30), 0.5, int64(3), nil, now, now))
	mock.ExpectQuery(`(?s)FROM submission_fields\s+WHERE submission_id = \$1`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(fieldRowColumns).
			AddRow(int64(1), int64(42), int64(5), "text", []byte(`"Ada"`), now, now))

	sub, created, err := s.CreateSubmission(context.Background(), Submission{FormID: 7, TokenHash: "hash", CreatedAt: now})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(42), sub.ID)
	assert.Nil(t, sub.UserID)
	require.NotNil(t, sub.InvitationToken)
	assert.Equal(t, "inv-1", *sub.InvitationToken)
	assert.Equal(t, int64(3), sub.Version)
	require.Len(t, sub.Fields, 1)
	assert.JSONEq(t, `"Ada"`, string(sub.Fields[0].Content))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubmission_NotFound(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`(?s)FROM submissions WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetSubmission(context.Background(), 5)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestUpdateSubmission_UpsertsFieldAndBumpsVersion(t *testing.T) {
	s, mock := newStoreWithMock(t)
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	now := created.Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)FROM submissions WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(submissionRowColumns).
			AddRow(int64(42), int64(7), nil, "?", "", "", "", "hash", nil, int64(0), 0.0, int64(0), nil, created, created))
	mock.ExpectQuery(`(?s)FROM submission_fields`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(fieldRowColumns))
	mock.ExpectQuery(`(?s)INSERT INTO submission_fields .* ON CONFLICT \(submission_id, field_id\) DO UPDATE`).
		WithArgs(int64(42), int64(5), "text", `"Ada"`, now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(900), now))
	mock.ExpectQuery(`(?s)UPDATE submissions\s+SET time_elapsed = \$2, percentage_complete = \$3, version = version \+ 1`).
		WithArgs(int64(42), int64(60), 0.5, now).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)))
	mock.ExpectCommit()

	sub, err := s.UpdateSubmission(context.Background(), 42, func(sub *Submission) (*SubmissionField, error) {
		sub.Fields = append(sub.Fields, SubmissionField{FieldID: 5, Type: "text", Content: json.RawMessage(`"Ada"`), UpdatedAt: now})
		sub.TimeElapsed = 60
		sub.PercentageComplete = 0.5
		sub.UpdatedAt = now
		return &sub.Fields[len(sub.Fields)-1], nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sub.Version)
	require.Len(t, sub.Fields, 1)
	assert.Equal(t, int64(900), sub.Fields[0].ID)
	assert.Equal(t, int64(42), sub.Fields[0].SubmissionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSubmission_RollsBackOnError(t *testing.T) {
	s, mock := newStoreWithMock(t)
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)FROM submissions WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(submissionRowColumns).
			AddRow(int64(42), int64(7), nil, "?", "", "", "", "hash", nil, int64(0), 0.0, int64(0), nil, created, created))
	mock.ExpectQuery(`(?s)FROM submission_fields`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(fieldRowColumns))
	mock.ExpectRollback()

	_, err := s.UpdateSubmission(context.Background(), 42, func(*Submission) (*SubmissionField, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSubmission_MissingRow(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)FOR UPDATE`).
		WithArgs(int64(42)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.UpdateSubmission(context.Background(), 42, func(*Submission) (*SubmissionField, error) {
		t.Fatal("fn must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishSubmission_ClaimsOnce(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)UPDATE submissions AS s\s+SET percentage_complete = 1.*RETURNING prev.dispatched_at IS NULL`).
		WithArgs(int64(42), now).
		WillReturnRows(sqlmock.NewRows([]string{"claimed"}).AddRow(true))
	mock.ExpectQuery(`(?s)UPDATE submissions AS s`).
		WithArgs(int64(42), now).
		WillReturnRows(sqlmock.NewRows([]string{"claimed"}).AddRow(false))

	first, err := s.FinishSubmission(context.Background(), 42, now)
	require.NoError(t, err)
	second, err := s.FinishSubmission(context.Background(), 42, now)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseDispatch_MatchesClaim(t *testing.T) {
	s, mock := newStoreWithMock(t)
	claimedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`(?s)UPDATE submissions\s+SET dispatched_at = NULL\s+WHERE id = \$1 AND dispatched_at = \$2`).
		WithArgs(int64(42), claimedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.ReleaseDispatch(context.Background(), 42, claimedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishSubmission_NotFound(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`(?s)UPDATE submissions AS s`).
		WillReturnRows(sqlmock.NewRows([]string{"claimed"}))

	_, err := s.FinishSubmission(context.Background(), 42, time.Now())
	assert.ErrorIs(t, err, common.ErrNotFound)
}
