package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formcollect/api/internal/ids"
	"formcollect/api/internal/logging"
	"formcollect/api/internal/store"
)

type fakeMeili struct {
	mu       sync.Mutex
	healthy  bool
	requests map[string][]byte
}

func (f *fakeMeili) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests[r.Method+" "+r.URL.Path] = body
	healthy := f.healthy
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/health" {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"message":"down","code":"internal","type":"internal","link":""}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":"available"}`)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, `{"taskUid":7,"indexUid":"forms_submissions","status":"enqueued","type":"documentAdditionOrUpdate","enqueuedAt":"2024-01-01T00:00:00Z"}`)
}

func (f *fakeMeili) body(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.requests[key]
	return b, ok
}

func newTestMeili(t *testing.T, healthy bool) (*Meili, *fakeMeili, *ids.Codec) {
	t.Helper()
	backend := &fakeMeili{healthy: healthy, requests: map[string][]byte{}}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	codec, err := ids.NewCodec("search-salt", 6)
	require.NoError(t, err)
	m := newMeili(srv.URL, "master", codec, logging.Discard(), time.Hour)
	t.Cleanup(m.Close)
	return m, backend, codec
}

func finished() (store.Form, store.Submission) {
	form := store.Form{ID: 2, Title: "Event signup"}
	sub := store.Submission{
		ID:        5,
		FormID:    2,
		UpdatedAt: time.Unix(1700000000, 0),
		Fields: []store.SubmissionField{
			{FieldID: 1, Content: json.RawMessage(`"Grace Hopper"`)},
			{FieldID: 2, Content: json.RawMessage(`{"city": "Arlington"}`)},
			{FieldID: 3, Content: json.RawMessage(`null`)},
		},
	}
	return form, sub
}

func TestNewMeili_ConfiguresIndex(t *testing.T) {
	m, backend, _ := newTestMeili(t, true)

	assert.True(t, m.Healthy())
	body, ok := backend.body("POST /indexes")
	require.True(t, ok)
	assert.Contains(t, string(body), `"uid":"forms_submissions"`)
	assert.Contains(t, string(body), `"primaryKey":"id"`)
}

func TestDeliver_AddsDocument(t *testing.T) {
	m, backend, codec := newTestMeili(t, true)
	form, sub := finished()

	require.NoError(t, m.Deliver(context.Background(), form, sub))

	body, ok := backend.body("POST /indexes/forms_submissions/documents")
	require.True(t, ok)
	var docs []SubmissionRecord
	require.NoError(t, json.Unmarshal(body, &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, codec.Encode(5), docs[0].ID)
	assert.Equal(t, codec.Encode(2), docs[0].FormID)
	assert.Equal(t, []string{"Grace Hopper", "city: Arlington"}, docs[0].Answers)
	assert.Equal(t, int64(1700000000), docs[0].FinishedAt)
}

func TestDeliver_Unhealthy(t *testing.T) {
	m, backend, _ := newTestMeili(t, false)
	form, sub := finished()

	assert.False(t, m.Healthy())
	assert.Error(t, m.Deliver(context.Background(), form, sub))
	_, ok := backend.body("POST /indexes/forms_submissions/documents")
	assert.False(t, ok)
}

func TestRecord_Content(t *testing.T) {
	m, _, _ := newTestMeili(t, true)
	form, sub := finished()

	record := m.Record(form, sub)
	assert.Equal(t, "Grace Hopper\ncity: Arlington", record.Content)
	assert.Equal(t, "Event signup", record.FormTitle)
}
