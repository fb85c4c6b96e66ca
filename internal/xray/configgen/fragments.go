package configgen

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// fragmentPrefix namespaces our files inside a shared confdir so foreign
// fragments are never touched.
const fragmentPrefix = "one-ui-"

// FragmentWriter splits a document into ordered confdir fragments. The
// data plane merges confdir files lexicographically, hence the numeric
// file name components.
type FragmentWriter struct {
	dir string
}

func NewFragmentWriter(dir string) *FragmentWriter {
	return &FragmentWriter{dir: dir}
}

// Write materializes the document as fragments, replacing each file
// atomically and removing our stale fragments that are no longer part of
// the set.
func (w *FragmentWriter) Write(doc *Document) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create confdir: %w", err)
	}

	routing := map[string]any{"routing": doc.Routing}
	if len(doc.DNS) > 0 {
		routing["dns"] = doc.DNS
	}
	fragments := map[string]any{
		fragmentPrefix + "00-log.json": map[string]any{"log": doc.Log},
		fragmentPrefix + "10-api-policy.json": map[string]any{
			"api":    doc.API,
			"stats":  doc.Stats,
			"policy": doc.Policy,
		},
		fragmentPrefix + "20-inbounds.json":  map[string]any{"inbounds": doc.Inbounds},
		fragmentPrefix + "30-outbounds.json": map[string]any{"outbounds": doc.Outbounds},
		fragmentPrefix + "40-routing.json":   routing,
	}
	if doc.Observatory != nil {
		fragments[fragmentPrefix+"50-observatory.json"] = map[string]any{"observatory": doc.Observatory}
	}

	for name, section := range fragments {
		raw, err := encodeFragment(section)
		if err != nil {
			return fmt.Errorf("failed to encode fragment %s: %w", name, err)
		}
		if err := writeFileAtomic(filepath.Join(w.dir, name), raw); err != nil {
			return fmt.Errorf("failed to write fragment %s: %w", name, err)
		}
	}
	return w.pruneStale(fragments)
}

func (w *FragmentWriter) pruneStale(current map[string]any) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to list confdir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, fragmentPrefix) {
			continue
		}
		if _, keep := current[name]; keep {
			continue
		}
		if err := os.Remove(filepath.Join(w.dir, name)); err != nil {
			return fmt.Errorf("failed to remove stale fragment %s: %w", name, err)
		}
	}
	return nil
}

func encodeFragment(section any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(section); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeFileAtomic writes via a temp file in the target directory, fsyncs,
// then renames over the destination.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
