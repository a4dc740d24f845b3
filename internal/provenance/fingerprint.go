package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
)

const (
	// HeadSize is how much of a package is scanned for its publication date.
	// The package-level publishedDate precedes the records array.
	HeadSize = 8 << 10

	chunkSize = 64 << 10
)

var publishedDateRE = regexp.MustCompile(`"publishedDate"\s*:\s*"([^"]+)"`)

// PublishedDate returns the first publishedDate found in the first HeadSize
// bytes of the file, or "" if there is none.
func PublishedDate(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open package: %w", err)
	}
	defer f.Close()

	head := make([]byte, HeadSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("read package head: %w", err)
	}

	m := publishedDateRE.FindSubmatch(head[:n])
	if m == nil {
		return "", nil
	}
	return string(m[1]), nil
}

// Fingerprint returns the hex SHA-256 of the file's full content, streamed in
// fixed-size chunks.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open package: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		h.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("hash package: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
