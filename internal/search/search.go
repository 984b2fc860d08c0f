// Package search indexes finished submissions in Meilisearch so answers can
// be searched per form.
package search

// SubmissionRecord is the document indexed for a finished submission.
type SubmissionRecord struct {
	ID          string   `json:"id"`
	FormID      string   `json:"formId"`
	FormTitle   string   `json:"formTitle"`
	Answers     []string `json:"answers"`
	Content     string   `json:"content"`
	TimeElapsed int64    `json:"timeElapsed"`
	FinishedAt  int64    `json:"finishedAt"`
}
