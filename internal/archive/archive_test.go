package archive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formcollect/api/internal/ids"
	"formcollect/api/internal/logging"
	"formcollect/api/internal/store"
)

type request struct {
	method string
	path   string
	body   string
	header http.Header
}

type fakeS3 struct {
	mu       sync.Mutex
	requests []request
	status   int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, request{method: r.Method, path: r.URL.Path, body: string(body), header: r.Header.Clone()})
	status := f.status
	f.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
		return
	}
	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.WriteHeader(http.StatusOK)
}

func newTestStore(t *testing.T, backend *fakeS3) (*Store, *ids.Codec) {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	codec, err := ids.NewCodec("archive-salt", 6)
	require.NoError(t, err)
	s, err := New(Config{
		Endpoint:  srv.URL,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "forms-archive",
		Region:    "us-east-1",
	}, codec, logging.Discard())
	require.NoError(t, err)
	return s, codec
}

func TestDeliver_PutsSnapshot(t *testing.T) {
	backend := &fakeS3{}
	s, codec := newTestStore(t, backend)
	form := store.Form{ID: 3, Title: "Signup", Fields: []store.FormField{{ID: 30, Type: "text"}}}
	sub := store.Submission{
		ID:     9,
		FormID: 3,
		Fields: []store.SubmissionField{{FieldID: 30, Type: "text", Content: json.RawMessage(`"yes"`)}},
	}

	require.NoError(t, s.Deliver(context.Background(), form, sub))

	require.NotEmpty(t, backend.requests)
	put := backend.requests[len(backend.requests)-1]
	assert.Equal(t, http.MethodPut, put.method)
	assert.Equal(t, "/forms-archive/submissions/"+codec.Encode(3)+"/"+codec.Encode(9)+".json", put.path)
	assert.Equal(t, "application/json", put.header.Get("Content-Type"))
	assert.Equal(t, codec.Encode(9), put.header.Get("X-Amz-Meta-Submission"))
	assert.Contains(t, put.body, `"submissionId":"`+codec.Encode(9)+`"`)
}

func TestDeliver_ReportsStorageErrors(t *testing.T) {
	backend := &fakeS3{status: http.StatusForbidden}
	s, _ := newTestStore(t, backend)

	err := s.Deliver(context.Background(), store.Form{ID: 3}, store.Submission{ID: 9, FormID: 3})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "put submissions/"))
}

func TestEnsureBucket_Existing(t *testing.T) {
	backend := &fakeS3{}
	s, _ := newTestStore(t, backend)

	require.NoError(t, s.EnsureBucket(context.Background()))
	require.Len(t, backend.requests, 1)
	assert.Equal(t, http.MethodHead, backend.requests[0].method)
	assert.Equal(t, "/forms-archive/", backend.requests[0].path)
}

func TestObjectName(t *testing.T) {
	backend := &fakeS3{}
	s, codec := newTestStore(t, backend)

	assert.Equal(t, "submissions/"+codec.Encode(1)+"/"+codec.Encode(2)+".json", s.ObjectName(1, 2))
}
