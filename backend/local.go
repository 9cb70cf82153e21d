package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Paranoid-AF/ashcmd"
)

// Model tags on the local runtime for each family and precision.
const (
	phi2Quantized = "phi:2.7b-chat-v2-q4_K_M"
	phi2Full      = "phi:2.7b-chat-v2-fp16"
	phi3Quantized = "phi3:3.8b-mini-4k-instruct-q4_K_M"
	phi3Full      = "phi3:3.8b-mini-4k-instruct-fp16"
)

// ModelTag returns the runtime model tag for lc. An explicit model_id wins;
// otherwise the tag follows the model family and quantization switch.
func ModelTag(lc ashcmd.LocalConfig) string {
	if lc.ModelID != "" {
		return lc.ModelID
	}
	if lc.Model == "3" {
		if lc.Quantized {
			return phi3Quantized
		}
		return phi3Full
	}
	if lc.Quantized {
		return phi2Quantized
	}
	return phi2Full
}

// Local generates text on an Ollama-compatible model runtime.
type Local struct {
	baseURL   string
	model     string
	cpu       bool
	keepAlive string
	client    *http.Client
}

// LocalOption configures a Local backend.
type LocalOption func(*Local)

// WithHTTPClient replaces the HTTP client used to reach the runtime.
func WithHTTPClient(c *http.Client) LocalOption {
	return func(l *Local) { l.client = c }
}

// NewLocal creates a local backend from config.
func NewLocal(lc ashcmd.LocalConfig, opts ...LocalOption) *Local {
	l := &Local{
		baseURL:   strings.TrimRight(lc.BaseURL, "/"),
		model:     ModelTag(lc),
		cpu:       lc.CPU,
		keepAlive: lc.KeepAlive,
		client:    &http.Client{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) Kind() ashcmd.BackendKind { return ashcmd.BackendLocal }

// Model returns the runtime model tag requests are sent to.
func (l *Local) Model() string { return l.model }

type runtimeOptions struct {
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	Seed          uint64  `json:"seed"`
	NumPredict    int     `json:"num_predict"`
	RepeatPenalty float64 `json:"repeat_penalty"`
	RepeatLastN   int     `json:"repeat_last_n"`
	NumGPU        *int    `json:"num_gpu,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string         `json:"model"`
	Messages  []chatMessage  `json:"messages"`
	Stream    bool           `json:"stream"`
	Options   runtimeOptions `json:"options"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	Error   string      `json:"error,omitempty"`
}

type rawRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	Raw       bool           `json:"raw"`
	Stream    bool           `json:"stream"`
	Options   runtimeOptions `json:"options"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

type rawResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate sends req to the runtime. Requests with system instructions go
// through the chat endpoint; requests without are plain continuations of
// the prompt.
func (l *Local) Generate(ctx context.Context, req ashcmd.GenerationRequest) (ashcmd.BackendResponse, error) {
	opts := l.options(req.Params)

	if req.SystemInstructions == "" {
		var out rawResponse
		if err := l.post(ctx, "/api/generate", rawRequest{
			Model:     l.model,
			Prompt:    req.Prompt,
			Raw:       true,
			Options:   opts,
			KeepAlive: l.keepAlive,
		}, &out); err != nil {
			return ashcmd.BackendResponse{}, err
		}
		return ashcmd.BackendResponse{RawText: out.Response, Backend: ashcmd.BackendLocal, Model: l.modelName(out.Model)}, nil
	}

	var out chatResponse
	if err := l.post(ctx, "/api/chat", chatRequest{
		Model: l.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemInstructions},
			{Role: "user", Content: req.Prompt},
		},
		Options:   opts,
		KeepAlive: l.keepAlive,
	}, &out); err != nil {
		return ashcmd.BackendResponse{}, err
	}
	return ashcmd.BackendResponse{RawText: out.Message.Content, Backend: ashcmd.BackendLocal, Model: l.modelName(out.Model)}, nil
}

// Stream writes a plain continuation of req.Prompt to w as the runtime
// samples it, reading the newline-delimited JSON chunks of a streaming
// /api/generate call. Requests with system instructions are answered in
// one piece.
func (l *Local) Stream(ctx context.Context, req ashcmd.GenerationRequest, w io.Writer) (ashcmd.BackendResponse, error) {
	if req.SystemInstructions != "" {
		resp, err := l.Generate(ctx, req)
		if err != nil {
			return resp, err
		}
		_, err = io.WriteString(w, resp.RawText)
		return resp, err
	}

	body, err := l.send(ctx, "/api/generate", rawRequest{
		Model:     l.model,
		Prompt:    req.Prompt,
		Raw:       true,
		Stream:    true,
		Options:   l.options(req.Params),
		KeepAlive: l.keepAlive,
	})
	if err != nil {
		return ashcmd.BackendResponse{}, err
	}
	defer body.Close()

	var (
		text  strings.Builder
		model string
	)
	dec := json.NewDecoder(body)
	for {
		var chunk rawResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if cerr := contextError(ctx, ashcmd.BackendLocal, err); cerr != nil {
				return ashcmd.BackendResponse{}, cerr
			}
			return ashcmd.BackendResponse{}, ashcmd.NewBackendError(ashcmd.BackendLocal, ashcmd.ErrNetwork,
				fmt.Errorf("failed to read stream: %w", err))
		}
		if chunk.Error != "" {
			return ashcmd.BackendResponse{}, ashcmd.NewBackendError(ashcmd.BackendLocal, ashcmd.ErrModelUnavailable,
				fmt.Errorf("model %s: %s", l.model, chunk.Error))
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Response != "" {
			text.WriteString(chunk.Response)
			if _, err := io.WriteString(w, chunk.Response); err != nil {
				return ashcmd.BackendResponse{}, err
			}
		}
		if chunk.Done {
			break
		}
	}
	return ashcmd.BackendResponse{RawText: text.String(), Backend: ashcmd.BackendLocal, Model: l.modelName(model)}, nil
}

func (l *Local) options(p ashcmd.ModelParams) runtimeOptions {
	opts := runtimeOptions{
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		Seed:          p.Seed,
		NumPredict:    p.MaxTokens,
		RepeatPenalty: p.RepeatPenalty,
		RepeatLastN:   p.RepeatLastN,
	}
	if l.cpu {
		zero := 0
		opts.NumGPU = &zero
	}
	return opts
}

func (l *Local) modelName(reported string) string {
	if reported != "" {
		return reported
	}
	return l.model
}

// post sends body as JSON to path and decodes the reply into out.
func (l *Local) post(ctx context.Context, path string, body, out any) error {
	rc, err := l.send(ctx, path, body)
	if err != nil {
		return err
	}
	defer rc.Close()

	payload, err := io.ReadAll(rc)
	if err != nil {
		if cerr := contextError(ctx, ashcmd.BackendLocal, err); cerr != nil {
			return cerr
		}
		return ashcmd.NewBackendError(ashcmd.BackendLocal, ashcmd.ErrNetwork, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return ashcmd.NewBackendError(ashcmd.BackendLocal, ashcmd.ErrNetwork,
			fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

// send posts body as JSON to path and returns the body of a 200 reply.
// Unreachable runtimes and missing or unloadable models are reported as
// ModelUnavailable.
func (l *Local) send(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, ashcmd.NewBackendError(ashcmd.BackendLocal, ashcmd.ErrModelUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		if cerr := contextError(ctx, ashcmd.BackendLocal, err); cerr != nil {
			return nil, cerr
		}
		return nil, ashcmd.NewBackendError(ashcmd.BackendLocal, ashcmd.ErrModelUnavailable,
			fmt.Errorf("model runtime at %s unreachable: %w", l.baseURL, err))
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(resp.Body)
	kind := ashcmd.ErrNetwork
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode >= 500 {
		kind = ashcmd.ErrModelUnavailable
	}
	return nil, ashcmd.NewBackendError(ashcmd.BackendLocal, kind,
		fmt.Errorf("model %s: status %d: %s", l.model, resp.StatusCode, runtimeErrorMessage(payload)))
}

func runtimeErrorMessage(payload []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(payload, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(payload))
}
