package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

// Purpose tells the translation service what kind of answer is wanted.
type Purpose string

const (
	PurposeColumnType  Purpose = "column_type" // a bare native type, e.g. NUMERIC(40,10)
	PurposeStatement   Purpose = "statement"   // one complete DDL statement
	PurposeRemediation Purpose = "remediation" // fix suggestions for a failed table
)

// Request is sent to the translation service. Context carries free-form
// detail such as the failing statement or the reconciliation mismatch.
type Request struct {
	Purpose       Purpose `json:"purpose"`
	EntryID       string  `json:"entry_id,omitempty"`
	Table         string  `json:"table,omitempty"`
	Column        string  `json:"column,omitempty"`
	Canonical     string  `json:"canonical,omitempty"`
	SourceNative  string  `json:"source_native,omitempty"`
	SourceDialect string  `json:"source_dialect"`
	TargetDialect string  `json:"target_dialect"`
	Context       string  `json:"context,omitempty"`
}

// Fix is one remediation hint. Hints are shown to the operator and never
// executed.
type Fix struct {
	Category    string `json:"category" yaml:"category"`
	Issue       string `json:"issue" yaml:"issue"`
	Solution    string `json:"solution" yaml:"solution"`
	Precautions string `json:"precautions,omitempty" yaml:"precautions,omitempty"`
}

// Response is an untrusted candidate. Fragment is validated before use.
type Response struct {
	Fragment   string  `json:"fragment,omitempty"`
	Confidence float64 `json:"confidence"`
	Fixes      []Fix   `json:"fixes,omitempty"`
}

// Service is the external translation oracle.
type Service interface {
	Translate(ctx context.Context, req Request) (Response, error)
}

const fragmentSchema = `{
  "type": "object",
  "required": ["fragment", "confidence"],
  "properties": {
    "fragment":   {"type": "string", "minLength": 1},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

const fixesSchema = `{
  "type": "object",
  "required": ["fixes"],
  "properties": {
    "fixes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["category", "issue", "solution"],
        "properties": {
          "category":    {"type": "string"},
          "issue":       {"type": "string"},
          "solution":    {"type": "string"},
          "precautions": {"type": "string"}
        }
      }
    }
  }
}`

var (
	fragmentValidator = mustSchema(fragmentSchema)
	fixesValidator    = mustSchema(fixesSchema)
)

func mustSchema(s string) *gojsonschema.Schema {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid response schema: %v", err))
	}
	return compiled
}

// MalformedError means the service answered but the answer is unusable.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string { return "malformed translation response: " + e.Reason }

// StatusError is a non-2xx reply. 4xx other than 429 is not retried.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("translation service returned HTTP %d: %s", e.Code, e.Body)
}

func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// decodeResponse validates body against the schema for purpose and decodes it.
func decodeResponse(purpose Purpose, body []byte) (Response, error) {
	validator := fragmentValidator
	if purpose == PurposeRemediation {
		validator = fixesValidator
	}
	result, err := validator.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return Response{}, &MalformedError{Reason: err.Error()}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Response{}, &MalformedError{Reason: strings.Join(msgs, "; ")}
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return Response{}, &MalformedError{Reason: err.Error()}
	}
	resp.Fragment = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(resp.Fragment), ";"))
	if purpose == PurposeRemediation && resp.Confidence == 0 {
		resp.Confidence = 1
	}
	return resp, nil
}

func postJSON(ctx context.Context, client *http.Client, url, apiKey string, payload any) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: snippet}
	}
	return body, nil
}

// HTTPService posts the Request as JSON and expects a Response object back.
type HTTPService struct {
	URL    string
	APIKey string
	Client *http.Client
}

func (s *HTTPService) Translate(ctx context.Context, req Request) (Response, error) {
	body, err := postJSON(ctx, s.Client, s.URL, s.APIKey, req)
	if err != nil {
		return Response{}, err
	}
	return decodeResponse(req.Purpose, body)
}

const DefaultOpenAIURL = "https://api.openai.com/v1/chat/completions"

// OpenAIService asks a chat completion model and parses the JSON it writes
// into the message content.
type OpenAIService struct {
	URL    string
	APIKey string
	Model  string
	Client *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

func (s *OpenAIService) Translate(ctx context.Context, req Request) (Response, error) {
	url := s.URL
	if url == "" {
		url = DefaultOpenAIURL
	}
	system := "You are a database schema translation expert. Always respond with valid JSON."
	if req.Purpose == PurposeRemediation {
		system = "You are a database migration expert. Always respond with valid JSON."
	}
	body, err := postJSON(ctx, s.Client, url, s.APIKey, chatRequest{
		Model: s.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: Prompt(req)},
		},
		Temperature: 0,
	})
	if err != nil {
		return Response{}, err
	}
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return Response{}, errors.New(msg.String())
	}
	content := gjson.GetBytes(body, "choices.0.message.content")
	if !content.Exists() || strings.TrimSpace(content.String()) == "" {
		return Response{}, &MalformedError{Reason: "empty completion"}
	}
	return decodeResponse(req.Purpose, []byte(StripCodeFence(content.String())))
}

// StripCodeFence removes a ```json or ``` wrapper around model output.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	for _, open := range []string{"```json", "```"} {
		if strings.HasPrefix(s, open) {
			s = strings.TrimPrefix(s, open)
			s = strings.TrimSuffix(strings.TrimSpace(s), "```")
			return strings.TrimSpace(s)
		}
	}
	return s
}

// Prompt renders the user message for a request.
func Prompt(req Request) string {
	var b strings.Builder
	switch req.Purpose {
	case PurposeRemediation:
		fmt.Fprintf(&b, "A migration of table %q from %s to %s failed verification.\n", req.Table, req.SourceDialect, req.TargetDialect)
		b.WriteString("Failure details:\n")
		b.WriteString(req.Context)
		b.WriteString("\n\nFor each problem give the issue, step-by-step instructions to fix it and any precautions.\n")
		b.WriteString(`Respond only with JSON: {"fixes": [{"category": "...", "issue": "...", "solution": "...", "precautions": "..."}]}`)
		return b.String()
	case PurposeStatement:
		fmt.Fprintf(&b, "Write one %s DDL statement for table %q", req.TargetDialect, req.Table)
		if req.Column != "" {
			fmt.Fprintf(&b, ", column %q", req.Column)
		}
		b.WriteString(".\n")
	default:
		fmt.Fprintf(&b, "Give the %s column type for column %q of table %q.\n", req.TargetDialect, req.Column, req.Table)
		b.WriteString("Answer with the type only, no column name or constraints.\n")
	}
	fmt.Fprintf(&b, "Source dialect: %s\nSource type: %s\nCanonical type: %s\n", req.SourceDialect, req.SourceNative, req.Canonical)
	if req.Context != "" {
		b.WriteString("Context:\n")
		b.WriteString(req.Context)
		b.WriteString("\n")
	}
	b.WriteString("Never lose precision and never reference tables or columns that are not named here.\n")
	b.WriteString(`Respond only with JSON: {"fragment": "...", "confidence": 0.0-1.0}`)
	return b.String()
}
