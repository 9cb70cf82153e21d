package index

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// cacheFile is the on-disk form of an Index. Vectors are only valid for
// the model that produced them.
type cacheFile struct {
	Model   string       `json:"model"`
	Entries []cacheEntry `json:"entries"`
}

type cacheEntry struct {
	Hash      string    `json:"hash"`
	Command   string    `json:"command"`
	Embedding []float32 `json:"embedding"`
}

// Save writes every indexed command and its vector to path.
func (idx *Index) Save(path string) error {
	idx.mu.RLock()
	cf := cacheFile{Model: idx.embedder.Model(), Entries: make([]cacheEntry, 0, len(idx.commands))}
	for hash, cmd := range idx.commands {
		vec, ok := idx.graph.Lookup(hash)
		if !ok {
			continue
		}
		cf.Entries = append(cf.Entries, cacheEntry{Hash: hash, Command: cmd, Embedding: vec})
	}
	idx.mu.RUnlock()

	data, err := json.Marshal(cf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load adds the entries saved at path. A cache written for a different
// embedding model is ignored. It returns the number of entries loaded.
func (idx *Index) Load(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return 0, err
	}
	if cf.Model != idx.embedder.Model() {
		return 0, nil
	}

	batch := make([]pending, 0, len(cf.Entries))
	vectors := make([][]float32, 0, len(cf.Entries))

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, e := range cf.Entries {
		if _, ok := idx.commands[e.Hash]; ok || len(e.Embedding) == 0 {
			continue
		}
		batch = append(batch, pending{hash: e.Hash, cmd: e.Command})
		vectors = append(vectors, e.Embedding)
	}
	return idx.insert(batch, vectors), nil
}
