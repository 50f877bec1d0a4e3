// Package upstream speaks the Gemini-style generateContent wire protocol:
// request/response types, the streaming body parser, and the context cache
// for long system instructions.
package upstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	RoleUser  = "user"
	RoleModel = "model"
	RoleTool  = "tool"
)

// Part is the discriminated union carried in content parts. Exactly one
// field is set; omitempty keeps the wire form down to its discriminator.
type Part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *Blob             `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FunctionCall keeps its arguments raw: models have been seen emitting
// args as an object, as a key=value string, and as a JSON-encoded string,
// and normalization is the dispatcher's job, not the decoder's.
type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ArgsMap decodes object-shaped arguments. Non-object shapes return nil.
func (f *FunctionCall) ArgsMap() map[string]interface{} {
	if f == nil || len(f.Args) == 0 {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(f.Args, &out); err != nil {
		return nil
	}
	return out
}

type FunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

func TextPart(text string) Part {
	return Part{Text: text}
}

func BlobPart(mimeType, data string) Part {
	return Part{InlineData: &Blob{MIMEType: mimeType, Data: data}}
}

func FunctionCallPart(name string, args map[string]interface{}) Part {
	var raw json.RawMessage
	if args != nil {
		raw, _ = json.Marshal(args)
	}
	return Part{FunctionCall: &FunctionCall{Name: name, Args: raw}}
}

func FunctionResponsePart(name string, response map[string]interface{}) Part {
	return Part{FunctionResponse: &FunctionResponse{Name: name, Response: response}}
}

// IsText reports whether this is a text part. Empty text still counts; it
// matters for merge decisions, not for the wire.
func (p Part) IsText() bool {
	return p.InlineData == nil && p.FunctionCall == nil && p.FunctionResponse == nil
}

type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

func NewTextContent(role, text string) Content {
	return Content{Role: role, Parts: []Part{TextPart(text)}}
}

// JoinedText returns the concatenated text parts, newline-separated.
func (c Content) JoinedText() string {
	var texts []string
	for _, p := range c.Parts {
		if p.IsText() && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// HasFunctionCall reports whether any part carries a function call.
func (c Content) HasFunctionCall() bool {
	for _, p := range c.Parts {
		if p.FunctionCall != nil {
			return true
		}
	}
	return false
}

// MergeContents collapses adjacent same-role messages into one, and within
// each message joins adjacent text parts with a newline. Non-text parts act
// as boundaries and are kept in order.
func MergeContents(contents []Content) []Content {
	if len(contents) == 0 {
		return contents
	}

	merged := make([]Content, 0, len(contents))
	for _, c := range contents {
		if len(merged) > 0 && merged[len(merged)-1].Role == c.Role {
			last := &merged[len(merged)-1]
			last.Parts = append(last.Parts, c.Parts...)
			continue
		}
		parts := make([]Part, len(c.Parts))
		copy(parts, c.Parts)
		merged = append(merged, Content{Role: c.Role, Parts: parts})
	}

	for i := range merged {
		merged[i].Parts = collapseTextParts(merged[i].Parts)
	}
	return merged
}

func collapseTextParts(parts []Part) []Part {
	out := make([]Part, 0, len(parts))
	for _, p := range parts {
		if p.IsText() && len(out) > 0 && out[len(out)-1].IsText() {
			prev := &out[len(out)-1]
			switch {
			case prev.Text == "":
				prev.Text = p.Text
			case p.Text != "":
				prev.Text += "\n" + p.Text
			}
			continue
		}
		out = append(out, p)
	}
	return out
}

type GenerateRequest struct {
	Contents          []Content   `json:"contents"`
	SystemInstruction *Content    `json:"system_instruction,omitempty"`
	CachedContent     string      `json:"cached_content,omitempty"`
	Tools             []ToolSet   `json:"tools,omitempty"`
	ToolConfig        *ToolConfig `json:"tool_config,omitempty"`
}

type ToolSet struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
	GoogleSearch         *struct{}             `json:"googleSearch,omitempty"`
	CodeExecution        *struct{}             `json:"codeExecution,omitempty"`
}

type FunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type FunctionCallingConfig struct {
	Mode string `json:"mode"` // AUTO, ANY or NONE
}

type GenerateResponse struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	Error         *APIError      `json:"error,omitempty"`
}

type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("upstream error %d (%s): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Message)
}

// ModelInfo is the metadata returned for a single upstream model.
type ModelInfo struct {
	Name             string `json:"name"`
	DisplayName      string `json:"displayName,omitempty"`
	Description      string `json:"description,omitempty"`
	InputTokenLimit  int    `json:"inputTokenLimit"`
	OutputTokenLimit int    `json:"outputTokenLimit"`
}

// ID strips the "models/" resource prefix.
func (m ModelInfo) ID() string {
	return strings.TrimPrefix(m.Name, "models/")
}

// EffectiveInputLimit applies the safety margin used when budgeting a
// conversation against the model's input window.
func (m ModelInfo) EffectiveInputLimit() int {
	return int(float64(m.InputTokenLimit) * 0.95)
}
