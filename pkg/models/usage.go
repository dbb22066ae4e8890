package models

import "time"

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageRecord is one shaped upstream call. KeyID is the credential
// fingerprint; raw credentials are never recorded.
type UsageRecord struct {
	ID               int64     `json:"id"`
	RequestID        string    `json:"request_id"`
	Provider         string    `json:"provider"`
	KeyID            string    `json:"key_id"`
	Model            string    `json:"model"`
	EstimatedTokens  int       `json:"estimated_tokens"`
	Dropped          int       `json:"dropped"`
	Truncated        int       `json:"truncated"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	StatusCode       int       `json:"status_code"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageSummary aggregates upstream calls per provider credential.
type UsageSummary struct {
	Provider        string `json:"provider"`
	KeyID           string `json:"key_id"`
	RequestCount    int    `json:"request_count"`
	RateLimited     int    `json:"rate_limited"`
	EstimatedTokens int    `json:"estimated_tokens"`
	TotalPrompt     int    `json:"total_prompt"`
	TotalCompletion int    `json:"total_completion"`
	TotalTokens     int    `json:"total_tokens"`
}
