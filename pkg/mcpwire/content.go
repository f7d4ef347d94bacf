package mcpwire

import "encoding/json"

// ToolDescriptor is a tool entry in a tools/list result. InputSchema is
// kept as raw JSON so upstream schemas pass through unmodified.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ResourceDescriptor is a resource entry in a resources/list result.
type ResourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// PromptArgument describes one argument of a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptDescriptor is a prompt entry in a prompts/list result.
type PromptDescriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// ContentPart is one element of a tool result's content array.
// Type is "text" or "resource"; the remaining fields are populated
// according to the type.
type ContentPart struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

// EmbeddedResource carries structured data inside a tool result.
type EmbeddedResource struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// TextPart builds a plain text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ResourcePart builds an embedded resource content part.
func ResourcePart(uri, mimeType, text string) ContentPart {
	return ContentPart{Type: "resource", Resource: &EmbeddedResource{URI: uri, MIMEType: mimeType, Text: text}}
}

// CallResult is the result member of a tools/call response.
type CallResult struct {
	Content []ContentPart `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ResourceContents is the result member of a resources/read response.
type ResourceContents struct {
	Contents []EmbeddedResource `json:"contents"`
}

// PromptMessage is one message of a prompts/get response.
type PromptMessage struct {
	Role    string      `json:"role"`
	Content ContentPart `json:"content"`
}

// PromptResult is the result member of a prompts/get response.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}
