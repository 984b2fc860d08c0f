package search

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"formcollect/api/internal/ids"
	"formcollect/api/internal/logging"
	"formcollect/api/internal/sanitize"
	"formcollect/api/internal/store"
)

const idxSubmissions = "forms_submissions"

// Meili is a dispatch sink that indexes finished submissions.
type Meili struct {
	client   meili.ServiceManager
	codec    *ids.Codec
	log      logging.Logger
	healthy  atomic.Bool
	done     chan struct{}
	interval time.Duration
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server is not an error; the health loop reconfigures the index
// once it comes back.
func NewMeili(url, apiKey string, codec *ids.Codec, log logging.Logger) *Meili {
	return newMeili(url, apiKey, codec, log, 10*time.Second)
}

func newMeili(url, apiKey string, codec *ids.Codec, log logging.Logger, interval time.Duration) *Meili {
	m := &Meili{
		client:   meili.New(url, meili.WithAPIKey(apiKey)),
		codec:    codec,
		log:      logging.Component(log, "search"),
		done:     make(chan struct{}),
		interval: interval,
	}

	ctx := context.Background()
	if _, err := m.client.Health(); err != nil {
		m.log.Warn(ctx, "meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex(ctx)
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex(ctx context.Context) {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxSubmissions,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Warn(ctx, "create index (may already exist)", "index", idxSubmissions, "error", err)
	}

	index := m.client.Index(idxSubmissions)
	filterable := []interface{}{"formId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn(ctx, "update filterable attributes", "index", idxSubmissions, "error", err)
	}
	searchable := []string{"content", "formTitle"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn(ctx, "update searchable attributes", "index", idxSubmissions, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info(ctx, "meilisearch recovered, reconfiguring index")
				m.configureIndex(ctx)
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Name() string {
	return "search"
}

// Deliver adds or replaces the submission's document. Indexing is
// asynchronous on the Meilisearch side; only enqueue failures are reported.
func (m *Meili) Deliver(ctx context.Context, form store.Form, sub store.Submission) error {
	if !m.healthy.Load() {
		return fmt.Errorf("meilisearch unhealthy")
	}
	record := m.Record(form, sub)
	task, err := m.client.Index(idxSubmissions).AddDocuments([]SubmissionRecord{record}, nil)
	if err != nil {
		m.healthy.Store(false)
		return fmt.Errorf("index submission: %w", err)
	}
	m.log.Debug(ctx, "submission indexed", "submission", sub.ID, "form", form.ID, "task", task.TaskUID)
	return nil
}

// Record renders a submission as its search document.
func (m *Meili) Record(form store.Form, sub store.Submission) SubmissionRecord {
	record := SubmissionRecord{
		ID:          m.codec.Encode(sub.ID),
		FormID:      m.codec.Encode(form.ID),
		FormTitle:   form.Title,
		Answers:     []string{},
		TimeElapsed: sub.TimeElapsed,
		FinishedAt:  sub.UpdatedAt.Unix(),
	}
	for _, field := range sub.Fields {
		if text := sanitize.Text(field.Content); text != "" {
			record.Answers = append(record.Answers, text)
		}
	}
	record.Content = strings.Join(record.Answers, "\n")
	return record
}
