package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/nikhilbhutani/lessonreel/internal/storage"
	"github.com/nikhilbhutani/lessonreel/pkg/chunker"
	"github.com/nikhilbhutani/lessonreel/pkg/textextract"
)

// maxSourceBytes bounds how much of an uploaded document is read.
const maxSourceBytes = 32 << 20

var ErrEmptySource = errors.New("source document has no text")

// Source is reference material for script generation.
type Source struct {
	Key       string
	Text      string
	Pages     int
	Truncated bool
}

// Loader reads uploaded documents out of storage and reduces them to plain
// text that fits the script prompt.
type Loader struct {
	store  storage.Storage
	bucket string
	budget int
}

// NewLoader creates a loader. budget is the maximum number of characters kept
// from a document; zero keeps everything.
func NewLoader(store storage.Storage, bucket string, budget int) *Loader {
	return &Loader{store: store, bucket: bucket, budget: budget}
}

func (l *Loader) Load(ctx context.Context, key string) (*Source, error) {
	ext := strings.ToLower(path.Ext(key))
	if !supported(ext) {
		return nil, fmt.Errorf("source %s: unsupported file type %q", key, ext)
	}

	rc, err := l.store.Download(ctx, l.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("load source %s: %w", key, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", key, err)
	}
	if len(data) > maxSourceBytes {
		return nil, fmt.Errorf("source %s exceeds %d bytes", key, maxSourceBytes)
	}

	src, err := Parse(data, ext, l.budget)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", key, err)
	}
	src.Key = key
	if src.Truncated {
		slog.Warn("source truncated", "key", key, "budget", l.budget)
	}
	return src, nil
}

// Parse extracts text from an in-memory document and truncates it at a
// sentence boundary when it exceeds budget characters.
func Parse(data []byte, fileType string, budget int) (*Source, error) {
	res, err := textextract.Extract(bytes.NewReader(data), int64(len(data)), fileType)
	if err != nil {
		return nil, fmt.Errorf("extract text: %w", err)
	}
	text := strings.TrimSpace(res.Content)
	if text == "" {
		return nil, ErrEmptySource
	}

	src := &Source{Text: text, Pages: res.Pages}
	if budget > 0 && utf8.RuneCountInString(text) > budget {
		src.Text = chunker.TruncateAtSentence(text, budget)
		src.Truncated = true
	}
	return src, nil
}

func supported(ext string) bool {
	for _, t := range textextract.SupportedTypes() {
		if t == ext {
			return true
		}
	}
	return false
}
