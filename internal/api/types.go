package api

import "encoding/json"

// Run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Run is a local snapshot of a remote extraction run. Decoding is tolerant:
// unknown fields are ignored and display fields may be absent.
type Run struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	ProgressPercent *float64 `json:"progressPercent"`
	ProgressMessage string   `json:"progressMessage"`
	ResultCount     int      `json:"resultCount"`
	ErrorMessage    string   `json:"errorMessage"`
	StartedAt       string   `json:"startedAt"`
	EndedAt         string   `json:"endedAt"`
	DurationSeconds *float64 `json:"durationSeconds"`

	raw json.RawMessage
}

// Terminal reports whether no further status transitions can occur.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Raw returns the undecoded response body for output rendering.
func (r *Run) Raw() json.RawMessage {
	return r.raw
}

// decodeRun parses a run snapshot keeping the raw payload alongside.
func decodeRun(body json.RawMessage) (*Run, error) {
	var run Run
	if err := json.Unmarshal(body, &run); err != nil {
		return nil, err
	}

	run.raw = body

	return &run, nil
}

// RunRequest is the run-creation payload. Optional fields are omitted from
// the wire when empty.
type RunRequest struct {
	SchemaDefinitionID string          `json:"schemaDefinitionId"`
	SchemaVersionID    string          `json:"schemaVersionId,omitempty"`
	PromptDefinitionID string          `json:"promptDefinitionId,omitempty"`
	PromptVersionID    string          `json:"promptVersionId,omitempty"`
	WebhookConfigID    string          `json:"webhookConfigId,omitempty"`
	ExternalRunID      string          `json:"externalRunId,omitempty"`
	Pipeline           string          `json:"pipeline,omitempty"`
	InputParameters    json.RawMessage `json:"inputParameters,omitempty"`
}

// ResultPage is one page of run results.
type ResultPage struct {
	Items []json.RawMessage `json:"items"`
	Total int               `json:"total"`
}

// Document statuses.
const (
	DocumentReady  = "ready"
	DocumentFailed = "failed"

	// DocumentTimeout is a local sentinel: wait-for-ready gave up before the
	// server reached a terminal status.
	DocumentTimeout = "timeout"
)

// Document is a local snapshot of an uploaded document.
type Document struct {
	ID           string `json:"id"`
	FileName     string `json:"fileName"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`

	raw json.RawMessage
}

// Raw returns the undecoded response body for output rendering.
func (d *Document) Raw() json.RawMessage {
	return d.raw
}

// DecodeDocument parses a document snapshot keeping the raw payload alongside.
func DecodeDocument(body json.RawMessage) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}

	doc.raw = body

	return &doc, nil
}
