package ocds

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NDJSONPaths returns the tender and award stream paths written beside the
// package at path: "X.json" becomes "X.tenders.ndjson" and "X.awards.ndjson".
func NDJSONPaths(path string) (tenders, awards string) {
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	return stem + ".tenders.ndjson", stem + ".awards.ndjson"
}

// WriteNDJSON writes rows to path, one JSON object per line. The file is
// replaced atomically.
func WriteNDJSON[T any](path string, rows []T) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create ndjson: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i := range rows {
		if err := enc.Encode(rows[i]); err != nil {
			tmp.Close()
			return fmt.Errorf("encode ndjson row %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write ndjson: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close ndjson: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace ndjson: %w", err)
	}
	return nil
}
