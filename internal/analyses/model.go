package analyses

import (
	"encoding/json"
	"time"
)

const (
	StatusInProgress = "in_progress"
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusCompleted  = "completed"
)

// FileBlob is one uploaded document.
type FileBlob struct {
	Name     string
	MIMEType string
	Data     []byte
}

// PromptResult is the outcome of one catalog prompt in one run. Content may
// hold a repair diagnostic while Error is also set.
type PromptResult struct {
	PromptName string    `json:"promptName"`
	Content    any       `json:"content"`
	Error      *string   `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

// Failed reports whether the prompt produced an error.
func (r PromptResult) Failed() bool { return r.Error != nil }

// Result is the consolidated output of a run.
type Result struct {
	RunID         string                  `json:"runId,omitempty"`
	ParentContext any                     `json:"parentContext"`
	Results       map[string]PromptResult `json:"results"`
}

// Counts returns the number of succeeded and failed prompts.
func (r Result) Counts() (succeeded, failed int) {
	for _, pr := range r.Results {
		if pr.Failed() {
			failed++
		} else {
			succeeded++
		}
	}
	return succeeded, failed
}

// JSON renders the result as indented JSON, the shape returned to clients.
func (r Result) JSON() (string, error) {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func errorString(msg string) *string { return &msg }
