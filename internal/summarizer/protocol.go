package summarizer

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// PromptType selects which terminal mutation an exchange applies
type PromptType string

const (
	PromptSummary   PromptType = "summary"
	PromptChecklist PromptType = "checklist"
	PromptCleanup   PromptType = "cleanup"
)

// Valid reports whether the prompt type is one the backend understands
func (p PromptType) Valid() bool {
	switch p {
	case PromptSummary, PromptChecklist, PromptCleanup:
		return true
	}
	return false
}

var defaultPrompts = map[PromptType]string{
	PromptSummary:   "Summarize the following transcript into a concise note.",
	PromptChecklist: "Extract action items from the transcript as a JSON array of {id, title, isChecked} objects.",
	PromptCleanup:   "Rewrite the transcript with punctuation and filler words cleaned up, preserving meaning.",
}

// DefaultPrompt returns the built-in prompt text for a type
func DefaultPrompt(p PromptType) string {
	return defaultPrompts[p]
}

// PromptConfig describes one exchange's prompt and model parameters
type PromptConfig struct {
	Type         PromptType
	Prompt       string // Empty means the built-in default for Type
	Subscription bool
	LLM          string
	Temperature  string
}

func (p PromptConfig) promptText() string {
	if p.Prompt != "" {
		return p.Prompt
	}
	return DefaultPrompt(p.Type)
}

type requestInput struct {
	Prompt       string `json:"prompt"`
	PromptType   string `json:"prompt_type"`
	RawText      string `json:"rawtext"`
	Subscription bool   `json:"subscription"`
}

type requestParams struct {
	LLM         string `json:"llm"`
	Temperature string `json:"temperature"`
}

type request struct {
	Input      requestInput  `json:"input"`
	Parameters requestParams `json:"parameters"`
}

// flexFloat tolerates numeric fields sent either as a JSON number or
// as a quoted string
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	s := strings.Trim(string(data), `"`)
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

type flexInt int64

func (i *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*i = 0
		return nil
	}
	s := strings.Trim(string(data), `"`)
	if s == "" {
		*i = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if f, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			*i = flexInt(f)
			return nil
		}
		*i = 0
		return nil
	}
	*i = flexInt(v)
	return nil
}

type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	*b = flexBool(s == "true" || s == "1")
	return nil
}

// serverMessage is the inbound wire format. Messages are discriminated
// by Type: "stream" carries a token in Data, "result" carries the
// answer with cost/token accounting and the eof marker, "error"
// carries a message.
type serverMessage struct {
	Type    string    `json:"type"`
	Data    string    `json:"data"`
	Answer  string    `json:"answer"`
	Cost    flexFloat `json:"cost"`
	Tokens  flexInt   `json:"tokens"`
	EOF     flexBool  `json:"eof"`
	Message string    `json:"message"`
}

func decodeServerMessage(raw []byte) (*serverMessage, error) {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
