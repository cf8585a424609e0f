// Package hasher provides streaming SHA-256 hashing and content inspection.
package hasher

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path/filepath"
	"strings"
)

// sniffLen is how many leading bytes http.DetectContentType considers.
const sniffLen = 512

// Writer hashes and counts everything written to it.
type Writer struct {
	h hash.Hash
	n int64
}

func NewWriter() *Writer { return &Writer{h: sha256.New()} }

func (w *Writer) Write(p []byte) (int, error) {
	n, _ := w.h.Write(p)
	w.n += int64(n)
	return n, nil
}

// Sum returns the lower-case hex digest of everything written so far.
func (w *Writer) Sum() string { return hex.EncodeToString(w.h.Sum(nil)) }

func (w *Writer) Size() int64 { return w.n }

// SumBytes returns the lower-case hex SHA-256 of b.
func SumBytes(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

// SumReader streams r through SHA-256.
func SumReader(r io.Reader) (string, int64, error) {
	w := NewWriter()
	if _, err := io.Copy(w, r); err != nil {
		return "", 0, fmt.Errorf("hasher: copy: %w", err)
	}
	return w.Sum(), w.Size(), nil
}

// Verify reports whether b hashes to want. want is compared case-insensitively.
func Verify(b []byte, want string) bool {
	return strings.EqualFold(SumBytes(b), want)
}

// ValidDigest reports whether s is a 64 character hex string.
func ValidDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Metadata holds what Inspect learned about a file.
type Metadata struct {
	Hash      string // hex-encoded SHA256
	Size      int64  // file size in bytes
	MIMEType  string
	Extension string
	Extra     map[string]any // width/height for images, lines/words for text
}

// Inspect reads r to the end, hashing it and extracting content metadata.
// name only contributes the extension.
func Inspect(r io.Reader, name string) (*Metadata, error) {
	w := NewWriter()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("hasher: read head: %w", err)
	}
	head = head[:n]
	mimeType := http.DetectContentType(head)

	br := bufio.NewReader(io.TeeReader(io.MultiReader(bytes.NewReader(head), r), w))

	extra := map[string]any{}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		if cfg, _, err := image.DecodeConfig(br); err == nil {
			extra["width"] = cfg.Width
			extra["height"] = cfg.Height
		}
	case strings.HasPrefix(mimeType, "text/"):
		lines, words, err := countText(br)
		if err != nil {
			return nil, fmt.Errorf("hasher: scan text: %w", err)
		}
		extra["lines"] = lines
		extra["words"] = words
	}

	// drain whatever the content analysis left unread
	if _, err := io.Copy(io.Discard, br); err != nil {
		return nil, fmt.Errorf("hasher: copy: %w", err)
	}

	return &Metadata{
		Hash:      w.Sum(),
		Size:      w.Size(),
		MIMEType:  mimeType,
		Extension: strings.ToLower(filepath.Ext(name)),
		Extra:     extra,
	}, nil
}

func countText(r *bufio.Reader) (lines, words int, err error) {
	inWord := false
	sawAny := false
	last := byte('\n')
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, err
		}
		sawAny = true
		last = b
		if b == '\n' {
			lines++
		}
		space := b == ' ' || b == '\n' || b == '\t' || b == '\r' || b == '\v' || b == '\f'
		if !space && !inWord {
			words++
		}
		inWord = !space
	}
	if sawAny && last != '\n' {
		lines++
	}
	return lines, words, nil
}
