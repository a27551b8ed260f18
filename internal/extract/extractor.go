// Package extract turns documents on disk into plain text for ingestion.
package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// DefaultMaxFileBytes bounds the size of a file Extract will read.
const DefaultMaxFileBytes = 64 << 20

// ErrUnsupportedFormat is matched by UnsupportedFormatError.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// UnsupportedFormatError reports a file extension the extractor cannot read.
type UnsupportedFormatError struct {
	Ext string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Ext == "" {
		return "unsupported document format: no extension"
	}
	return fmt.Sprintf("unsupported document format %q", e.Ext)
}

func (e *UnsupportedFormatError) Is(target error) bool {
	return target == ErrUnsupportedFormat
}

type extractFunc func(content []byte) (string, error)

var formats = map[string]extractFunc{
	".pdf":  extractPDF,
	".docx": extractDOCX,
	".xlsx": extractExcel,
	".txt":  extractPlain,
	".md":   extractPlain,
	".rst":  extractPlain,
}

// Extensions returns the supported extensions, sorted, with leading dots.
func Extensions() []string {
	exts := make([]string, 0, len(formats))
	for ext := range formats {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return exts
}

// Supported reports whether path has an extension the extractor can read.
func Supported(path string) bool {
	_, ok := formats[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Extractor extracts plain text from PDF, DOCX, XLSX and plain text files.
type Extractor struct {
	maxBytes int64
	logger   *zap.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxFileBytes bounds the file size Extract accepts. Values <= 0 keep the default.
func WithMaxFileBytes(n int64) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxBytes = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExtractor returns a new Extractor.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{maxBytes: DefaultMaxFileBytes, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract reads the file at path and returns its text content. The format is
// chosen by extension; unknown extensions yield an UnsupportedFormatError.
func (e *Extractor) Extract(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := formats[ext]; !ok {
		return "", &UnsupportedFormatError{Ext: ext}
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("read file: %s is a directory", path)
	}
	if info.Size() > e.maxBytes {
		return "", fmt.Errorf("read file: %s is %d bytes, limit is %d", path, info.Size(), e.maxBytes)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	text, err := e.ExtractBytes(content, ext)
	if err != nil {
		return "", err
	}
	e.logger.Debug("extracted text",
		zap.String("path", path),
		zap.Int("bytes", len(content)),
		zap.Int("chars", len(text)))
	return text, nil
}

// ExtractBytes extracts text from content based on the given extension.
// ext should include the leading dot (e.g. ".pdf").
func (e *Extractor) ExtractBytes(content []byte, ext string) (string, error) {
	fn, ok := formats[strings.ToLower(ext)]
	if !ok {
		return "", &UnsupportedFormatError{Ext: ext}
	}
	return fn(content)
}
