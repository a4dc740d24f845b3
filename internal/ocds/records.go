package ocds

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
)

// ErrNoRecords is returned when a package has no top-level records array.
var ErrNoRecords = errors.New("package has no records array")

// Records streams the elements of the top-level "records" array of the
// package read from r, decoding one record at a time. Iteration stops at the
// first error, which is yielded with a zero Record.
func Records(r io.Reader) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		dec := json.NewDecoder(r)

		if err := expectDelim(dec, '{'); err != nil {
			yield(Record{}, err)
			return
		}

		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				yield(Record{}, fmt.Errorf("read package key: %w", err))
				return
			}
			key, _ := tok.(string)

			if key != "records" {
				var skip json.RawMessage
				if err := dec.Decode(&skip); err != nil {
					yield(Record{}, fmt.Errorf("skip %q: %w", key, err))
					return
				}
				continue
			}

			if err := expectDelim(dec, '['); err != nil {
				yield(Record{}, fmt.Errorf("records: %w", err))
				return
			}
			for i := 0; dec.More(); i++ {
				var rec Record
				if err := dec.Decode(&rec); err != nil {
					yield(Record{}, fmt.Errorf("record %d: %w", i, err))
					return
				}
				if !yield(rec, nil) {
					return
				}
			}
			return
		}

		yield(Record{}, ErrNoRecords)
	}
}

// FileRecords is Records over the file at path. The file is opened each time
// the sequence is ranged over, so the sequence can be consumed repeatedly.
func FileRecords(path string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(Record{}, fmt.Errorf("open package: %w", err))
			return
		}
		defer f.Close()

		for rec, err := range Records(f) {
			if !yield(rec, err) {
				return
			}
		}
	}
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("expected %q: %w", want, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
