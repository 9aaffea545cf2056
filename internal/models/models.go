package models

import "encoding/json"

// ToolCategorizeWhatsApp is the only tool name the relay serves.
const ToolCategorizeWhatsApp = "categorize_whatsapp"

// Error codes sent back in failed responses.
const (
	ErrBadJSON     = "bad_json"
	ErrUnknownTool = "unknown_tool"
	ErrNoItems     = "no_items"
	ErrServer      = "server_error"
)

// FallbackCategory is the single category used when the model output cannot be trusted.
const FallbackCategory = "General"

// Request is the inbound categorization envelope
type Request struct {
	ID    json.RawMessage `json:"id,omitempty"`
	Tool  string          `json:"tool"`
	Items []Item          `json:"items"`
}

// Item is one message to categorize. Fields other than Text are ignored.
type Item struct {
	Text string `json:"text"`
}

type Category struct {
	Name string `json:"name"`
}

// Result represents a categorization of a batch of items
type Result struct {
	Categories  []Category `json:"categories"`
	Assignments []string   `json:"assignments"`
	Coverage    float64    `json:"coverage"`
}

// Response is the outbound frame. Categories, Assignments and Coverage hold
// the model's JSON verbatim so nothing is reshaped on the way through.
type Response struct {
	ID          json.RawMessage `json:"id"`
	OK          bool            `json:"ok"`
	Error       string          `json:"error,omitempty"`
	Categories  json.RawMessage `json:"categories,omitempty"`
	Assignments json.RawMessage `json:"assignments,omitempty"`
	Coverage    json.RawMessage `json:"coverage,omitempty"`
}

var nullID = json.RawMessage("null")

// NullID returns id, or a JSON null when id is empty.
func NullID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

// Failure builds an ok=false response.
func Failure(id json.RawMessage, code string) Response {
	return Response{ID: NullID(id), OK: false, Error: code}
}

// Success builds an ok=true response from a typed result.
func Success(id json.RawMessage, r Result) (Response, error) {
	categories, err := json.Marshal(r.Categories)
	if err != nil {
		return Response{}, err
	}
	assignments, err := json.Marshal(r.Assignments)
	if err != nil {
		return Response{}, err
	}
	coverage, err := json.Marshal(r.Coverage)
	if err != nil {
		return Response{}, err
	}
	return Response{
		ID:          NullID(id),
		OK:          true,
		Categories:  categories,
		Assignments: assignments,
		Coverage:    coverage,
	}, nil
}
