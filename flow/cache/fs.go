package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem layout of one entry, under root/<key>/:
//
//	inputs.json   canonical input rendering, for inspection and debugging
//	outputs.json  committed output bindings
//	files/        output files owned by the entry
//	status        "done" once the entry is committed
//	.lock         held while a process is computing the entry
//
// outputs.json is written to a temp file and renamed, so a reader never
// observes a half-written entry. The status file is the commit point.
const (
	inputsFile  = "inputs.json"
	outputsFile = "outputs.json"
	filesDir    = "files"
	statusFile  = "status"
	lockFile    = ".lock"

	statusDone = "done"
)

func (c *Cache) entryDir(key string) string {
	return filepath.Join(c.root, key)
}

// FilesDir returns the directory an executing unit should place its output
// files in. The directory is created on first use.
func (c *Cache) FilesDir(key string) (string, error) {
	dir := filepath.Join(c.entryDir(key), filesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cache: create files dir: %w", err)
	}
	return dir, nil
}

// tryLock attempts to take the entry's cross-process lock. O_EXCL makes
// creation atomic on POSIX filesystems.
func (c *Cache) tryLock(key string) (bool, error) {
	dir := c.entryDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("cache: create entry dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, lockFile), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("cache: take lock: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return true, f.Close()
}

func (c *Cache) unlock(key string) {
	_ = os.Remove(filepath.Join(c.entryDir(key), lockFile))
}

// committed reports whether the entry has been fully written.
func (c *Cache) committed(key string) bool {
	raw, err := os.ReadFile(filepath.Join(c.entryDir(key), statusFile))
	return err == nil && strings.TrimSpace(string(raw)) == statusDone
}

// writeEntry persists a computed entry: inputs for inspection, outputs as
// the payload, then the status marker as the commit point.
func (c *Cache) writeEntry(key, inputsCanonical string, outputs map[string]any) (int64, error) {
	dir := c.entryDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("cache: create entry dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, inputsFile), []byte(inputsCanonical), 0o644); err != nil {
		return 0, fmt.Errorf("cache: write inputs: %w", err)
	}

	raw, err := json.Marshal(outputs)
	if err != nil {
		return 0, fmt.Errorf("cache: encode outputs: %w", err)
	}
	tmp := filepath.Join(dir, outputsFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return 0, fmt.Errorf("cache: write outputs: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, outputsFile)); err != nil {
		return 0, fmt.Errorf("cache: commit outputs: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, statusFile), []byte(statusDone+"\n"), 0o644); err != nil {
		return 0, fmt.Errorf("cache: write status: %w", err)
	}
	return c.entrySize(key), nil
}

// readEntry loads a committed entry's outputs. Numbers decode through
// json.Number so integral values come back as int rather than float64.
func (c *Cache) readEntry(key string) (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(c.entryDir(key), outputsFile))
	if err != nil {
		return nil, &CorruptError{Key: key, Cause: err}
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var outputs map[string]any
	if err := dec.Decode(&outputs); err != nil {
		return nil, &CorruptError{Key: key, Cause: err}
	}
	restored := make(map[string]any, len(outputs))
	for k, v := range outputs {
		restored[k] = restoreNumbers(v)
	}
	return restored, nil
}

func restoreNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = restoreNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = restoreNumbers(t[k])
		}
		return t
	}
	return v
}

// removeEntry deletes an entry's directory tree.
func (c *Cache) removeEntry(key string) error {
	return os.RemoveAll(c.entryDir(key))
}

func (c *Cache) entrySize(key string) int64 {
	var size int64
	_ = filepath.Walk(c.entryDir(key), func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}
