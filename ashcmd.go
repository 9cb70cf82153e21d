// Package ashcmd defines the request/response types shared by the ashcmd
// pipeline: a natural-language instruction is compiled into a
// GenerationRequest, a backend answers with a BackendResponse, and the
// extractor reduces that to a single ExtractedCommand.
package ashcmd

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
)

// BackendKind selects the text generation backend.
type BackendKind string

const (
	// BackendLocal runs a phi model on the local model runtime.
	BackendLocal BackendKind = "local"
	// BackendBedrock calls AWS Bedrock.
	BackendBedrock BackendKind = "bedrock"
)

// ParseBackendKind parses a --backend value or config entry.
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "":
		return BackendLocal, nil
	case "bedrock":
		return BackendBedrock, nil
	}
	return "", fmt.Errorf("unknown backend %q (want local or bedrock)", s)
}

// ModelParams holds the sampling parameters sent to a backend.
type ModelParams struct {
	Temperature   float64 `json:"temperature" toml:"temperature"`
	TopP          float64 `json:"top_p" toml:"top_p"`
	RepeatPenalty float64 `json:"repeat_penalty" toml:"repeat_penalty"`
	RepeatLastN   int     `json:"repeat_last_n" toml:"repeat_last_n"`
	// MaxTokens is the sampling length.
	MaxTokens int    `json:"max_tokens" toml:"max_tokens"`
	Seed      uint64 `json:"seed" toml:"seed"`
}

// GenerationRequest is built once per invocation by the prompt compiler.
// It is a plain value: copies are independent and == compares contents.
type GenerationRequest struct {
	// Prompt is the user message sent to the model.
	Prompt string `json:"prompt"`
	// Backend is the backend the request is addressed to.
	Backend BackendKind `json:"backend"`
	// Params are the sampling parameters.
	Params ModelParams `json:"model_params"`
	// SystemInstructions is the rendered system prompt. Empty for raw
	// text generation.
	SystemInstructions string `json:"system_instructions,omitempty"`
}

// Key returns a stable fingerprint of the request, suitable as a cache key.
func (r GenerationRequest) Key() string {
	data, _ := json.Marshal(r)
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// BackendResponse is the raw text produced for one GenerationRequest.
type BackendResponse struct {
	// RawText is the unprocessed model output.
	RawText string `json:"raw_text"`
	// Backend is the backend that produced the text.
	Backend BackendKind `json:"backend_used"`
	// Model is the concrete model identifier used, if known.
	Model string `json:"model,omitempty"`
}

// ExtractedCommand is the single shell command line derived from a response.
type ExtractedCommand struct {
	// Text is the command line, trimmed.
	Text string `json:"command_text"`
	// Confidence is the extractor's confidence score (0.0 to 1.0).
	// nil means no score was assigned.
	Confidence *float64 `json:"confidence,omitempty"`
}
