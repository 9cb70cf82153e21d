package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/hnsw"
)

const embedBatchSize = 32

// Index finds history commands related to a request by embedding both
// and searching an HNSW graph. Commands are stored redacted.
type Index struct {
	embedder *Embedder

	mu       sync.RWMutex
	graph    *hnsw.Graph[string] // keyed by command hash
	commands map[string]string   // hash -> redacted command
	dims     int
}

// NewIndex creates an empty index backed by embedder.
func NewIndex(embedder *Embedder) *Index {
	return &Index{
		embedder: embedder,
		graph:    hnsw.NewGraph[string](),
		commands: make(map[string]string),
	}
}

// Len returns the number of indexed commands.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.graph.Len()
}

// Add redacts and embeds the commands not yet indexed and returns how
// many were added. Batches that fail to embed are skipped; the first
// failure is returned once every batch has been tried.
func (idx *Index) Add(ctx context.Context, cmds []string) (int, error) {
	idx.mu.RLock()
	var todo []pending
	queued := make(map[string]bool)
	for _, cmd := range cmds {
		redacted := Redact(cmd)
		hash := hashCommand(redacted)
		if _, ok := idx.commands[hash]; ok || queued[hash] {
			continue
		}
		queued[hash] = true
		todo = append(todo, pending{hash, redacted})
	}
	idx.mu.RUnlock()

	var firstErr error
	added := 0
	for start := 0; start < len(todo); start += embedBatchSize {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		batch := todo[start:min(start+embedBatchSize, len(todo))]
		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.cmd
		}
		vectors, err := idx.embedder.Embed(ctx, texts)
		if err != nil {
			slog.Debug("embedding batch failed", "size", len(batch), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		idx.mu.Lock()
		n := idx.insert(batch, vectors)
		idx.mu.Unlock()
		added += n
	}
	return added, firstErr
}

type pending struct{ hash, cmd string }

// insert adds vectors whose dimension matches the index. Callers hold mu.
func (idx *Index) insert(batch []pending, vectors [][]float32) int {
	nodes := make([]hnsw.Node[string], 0, len(batch))
	for i, p := range batch {
		if idx.dims == 0 {
			idx.dims = len(vectors[i])
		}
		if len(vectors[i]) != idx.dims {
			continue
		}
		nodes = append(nodes, hnsw.MakeNode(p.hash, vectors[i]))
		idx.commands[p.hash] = p.cmd
	}
	if len(nodes) > 0 {
		idx.graph.Add(nodes...)
	}
	return len(nodes)
}

// Search returns up to k indexed commands closest to query, nearest first.
func (idx *Index) Search(ctx context.Context, query string, k int) ([]string, error) {
	if k <= 0 || idx.Len() == 0 {
		return nil, nil
	}
	vectors, err := idx.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(vectors[0]) != idx.dims {
		return nil, fmt.Errorf("query has %d dimensions, index has %d", len(vectors[0]), idx.dims)
	}
	neighbors := idx.graph.Search(vectors[0], k)
	out := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		if cmd, ok := idx.commands[n.Key]; ok {
			out = append(out, cmd)
		}
	}
	return out, nil
}

func hashCommand(cmd string) string {
	sum := sha256.Sum256([]byte(cmd))
	return hex.EncodeToString(sum[:])
}
