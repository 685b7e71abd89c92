// Package llm defines the provider-neutral language-model client used by the
// planner and the solver, with token and cost accounting.
package llm

import (
	"context"
	"strings"
)

// Role is the sender of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single prompt message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Request is a non-streaming completion request. Zero Temperature and
// MaxTokens leave the provider defaults in place.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int64
}

// Usage is the token usage of one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Response is a completion result.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Client generates completions.
type Client interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	// Model reports the model the client is configured with.
	Model() string
}

// TokenCounter estimates token counts for providers that omit usage.
type TokenCounter interface {
	CountTokens(text string) int
}

// EstimateUsage fills a zero usage from the prompt and the completion text.
func EstimateUsage(counter TokenCounter, req *Request, resp *Response) {
	if counter == nil || resp == nil || resp.Usage.Total() > 0 {
		return
	}
	var prompt strings.Builder
	if req != nil {
		for _, m := range req.Messages {
			prompt.WriteString(m.Content)
			prompt.WriteByte('\n')
		}
	}
	resp.Usage = Usage{
		PromptTokens:     counter.CountTokens(prompt.String()),
		CompletionTokens: counter.CountTokens(resp.Content),
	}
}

// Text concatenates the non-system messages of req, for providers that take a
// single prompt.
func (r *Request) Text() string {
	parts := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// SystemText joins the system messages of r.
func (r *Request) SystemText() string {
	parts := make([]string, 0, 1)
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}
