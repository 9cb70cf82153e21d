package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Paranoid-AF/ashcmd"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testParams = ashcmd.ModelParams{
	Temperature:   0.8,
	TopP:          0.9,
	RepeatPenalty: 1.1,
	RepeatLastN:   64,
	MaxTokens:     100,
	Seed:          299792458,
}

func newTestLocal(t *testing.T, lc ashcmd.LocalConfig, handler http.HandlerFunc) *Local {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	lc.BaseURL = srv.URL
	return NewLocal(lc, WithHTTPClient(srv.Client()))
}

func TestModelTag(t *testing.T) {
	tests := []struct {
		name string
		lc   ashcmd.LocalConfig
		want string
	}{
		{"phi-2 full", ashcmd.LocalConfig{Model: "2"}, phi2Full},
		{"phi-2 quantized", ashcmd.LocalConfig{Model: "2", Quantized: true}, phi2Quantized},
		{"phi-3 full", ashcmd.LocalConfig{Model: "3"}, phi3Full},
		{"phi-3 quantized", ashcmd.LocalConfig{Model: "3", Quantized: true}, phi3Quantized},
		{"explicit id", ashcmd.LocalConfig{Model: "3", ModelID: "llama3.2"}, "llama3.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ModelTag(tt.lc))
		})
	}
}

func TestLocalChat(t *testing.T) {
	var got chatRequest
	l := newTestLocal(t, ashcmd.LocalConfig{Model: "3", Quantized: true, KeepAlive: "5m"}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(chatResponse{
			Model:   phi3Quantized,
			Message: chatMessage{Role: "assistant", Content: "ls -la"},
		})
	})

	resp, err := l.Generate(context.Background(), ashcmd.GenerationRequest{
		Prompt:             "list files",
		Backend:            ashcmd.BackendLocal,
		Params:             testParams,
		SystemInstructions: "you write one-liners",
	})
	require.NoError(t, err)
	assert.Equal(t, "ls -la", resp.RawText)
	assert.Equal(t, ashcmd.BackendLocal, resp.Backend)
	assert.Equal(t, phi3Quantized, resp.Model)

	assert.Equal(t, phi3Quantized, got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, "5m", got.KeepAlive)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, chatMessage{Role: "system", Content: "you write one-liners"}, got.Messages[0])
	assert.Equal(t, chatMessage{Role: "user", Content: "list files"}, got.Messages[1])
	assert.Equal(t, 100, got.Options.NumPredict)
	assert.Equal(t, uint64(299792458), got.Options.Seed)
	assert.Equal(t, 64, got.Options.RepeatLastN)
	assert.Nil(t, got.Options.NumGPU)
}

func TestLocalCPUDisablesGPU(t *testing.T) {
	var got chatRequest
	l := newTestLocal(t, ashcmd.LocalConfig{Model: "2", CPU: true}, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(chatResponse{Message: chatMessage{Content: "pwd"}})
	})

	resp, err := l.Generate(context.Background(), ashcmd.GenerationRequest{Prompt: "where am i", Params: testParams, SystemInstructions: "sys"})
	require.NoError(t, err)
	require.NotNil(t, got.Options.NumGPU)
	assert.Equal(t, 0, *got.Options.NumGPU)
	assert.Equal(t, phi2Full, resp.Model, "falls back to the requested tag when the runtime omits it")
}

func TestLocalRawGeneration(t *testing.T) {
	var got rawRequest
	l := newTestLocal(t, ashcmd.LocalConfig{Model: "2"}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(rawResponse{Model: phi2Full, Response: " the lazy dog."})
	})

	resp, err := l.Generate(context.Background(), ashcmd.GenerationRequest{Prompt: "The quick brown fox jumps over", Params: testParams})
	require.NoError(t, err)
	assert.Equal(t, " the lazy dog.", resp.RawText)
	assert.True(t, got.Raw)
	assert.Equal(t, "The quick brown fox jumps over", got.Prompt)
}

// chunkWriter records every write and signals the first one.
type chunkWriter struct {
	chunks []string
	first  chan struct{}
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(w.chunks) == 0 {
		close(w.first)
	}
	w.chunks = append(w.chunks, string(p))
	return len(p), nil
}

func TestLocalStream(t *testing.T) {
	out := &chunkWriter{first: make(chan struct{})}
	var got rawRequest
	l := newTestLocal(t, ashcmd.LocalConfig{Model: "3"}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		enc := json.NewEncoder(w)
		enc.Encode(rawResponse{Model: phi3Full, Response: " the"})
		w.(http.Flusher).Flush()
		select {
		case <-out.first:
		case <-time.After(2 * time.Second):
			t.Error("first chunk was not delivered before the stream ended")
		}
		enc.Encode(rawResponse{Model: phi3Full, Response: " lazy"})
		enc.Encode(rawResponse{Model: phi3Full, Response: " dog."})
		enc.Encode(rawResponse{Model: phi3Full, Done: true})
	})

	resp, err := l.Stream(context.Background(), ashcmd.GenerationRequest{Prompt: "over", Params: testParams}, out)
	require.NoError(t, err)
	assert.True(t, got.Stream)
	assert.True(t, got.Raw)
	assert.Equal(t, []string{" the", " lazy", " dog."}, out.chunks)
	assert.Equal(t, " the lazy dog.", resp.RawText)
	assert.Equal(t, phi3Full, resp.Model)
}

func TestLocalStreamErrorChunk(t *testing.T) {
	l := newTestLocal(t, ashcmd.LocalConfig{Model: "2"}, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"response":" a"}`+"\n"+`{"error":"out of memory"}`+"\n")
	})

	var buf bytes.Buffer
	_, err := l.Stream(context.Background(), ashcmd.GenerationRequest{Prompt: "x", Params: testParams}, &buf)
	assert.ErrorIs(t, err, ashcmd.ErrModelUnavailable)
	assert.Contains(t, err.Error(), "out of memory")
	assert.Equal(t, " a", buf.String())
}

func TestLocalStreamWithSystemInstructions(t *testing.T) {
	l := newTestLocal(t, ashcmd.LocalConfig{Model: "2"}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		json.NewEncoder(w).Encode(chatResponse{Message: chatMessage{Role: "assistant", Content: "ls"}})
	})

	var buf bytes.Buffer
	resp, err := Stream(context.Background(), WithTimeout(l, time.Minute), ashcmd.GenerationRequest{Prompt: "x", SystemInstructions: "s"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, "ls", resp.RawText)
	assert.Equal(t, "ls", buf.String())
}

func TestLocalErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   error
	}{
		{"model not found", http.StatusNotFound, `{"error":"model 'phi' not found"}`, ashcmd.ErrModelUnavailable},
		{"load failure", http.StatusInternalServerError, `{"error":"failed to load model"}`, ashcmd.ErrModelUnavailable},
		{"bad request", http.StatusBadRequest, `{"error":"invalid options"}`, ashcmd.ErrNetwork},
		{"garbage body", http.StatusOK, `not json`, ashcmd.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLocal(t, ashcmd.LocalConfig{Model: "2"}, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := l.Generate(context.Background(), ashcmd.GenerationRequest{Prompt: "x", Params: testParams, SystemInstructions: "s"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			var be *ashcmd.BackendError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, ashcmd.BackendLocal, be.Backend)
		})
	}
}

func TestLocalUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	l := NewLocal(ashcmd.LocalConfig{BaseURL: url, Model: "2"})
	_, err := l.Generate(context.Background(), ashcmd.GenerationRequest{Prompt: "x", Params: testParams, SystemInstructions: "s"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ashcmd.ErrModelUnavailable)
}

func TestLocalCancelled(t *testing.T) {
	release := make(chan struct{})
	l := newTestLocal(t, ashcmd.LocalConfig{Model: "2"}, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := l.Generate(ctx, ashcmd.GenerationRequest{Prompt: "x", Params: testParams, SystemInstructions: "s"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ashcmd.ErrGenerationTimeout))
}
