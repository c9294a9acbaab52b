// Package extract defines the text-extraction boundary for uploaded files.
// Raw format parsing (PDF/DOCX/XLSX/PPTX layout analysis) is delegated to an
// external document-intelligence service; this package owns the contract,
// the content-type allowlist, and the whitespace cleanup applied before
// chunking.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnsupportedType is returned when a file's declared content type is not
// in the upload allowlist. It is raised before any side effect.
var ErrUnsupportedType = errors.New("extract: unsupported content type")

// Allowed upload content types. Validation happens on the declared type;
// the extraction service re-validates against the actual bytes.
const (
	TypePDF   = "application/pdf"
	TypeDoc   = "application/msword"
	TypeDocx  = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	TypeXlsx  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	TypePptx  = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	TypePlain = "text/plain"
)

// allowedTypes is the closed set of content types accepted for ingestion.
var allowedTypes = map[string]bool{
	TypePDF:   true,
	TypeDoc:   true,
	TypeDocx:  true,
	TypeXlsx:  true,
	TypePptx:  true,
	TypePlain: true,
}

// Supported reports whether the given declared content type is accepted.
// Comparison is case-insensitive and ignores parameters (e.g. "; charset=").
func Supported(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return allowedTypes[ct]
}

// Extractor converts raw file bytes into plain text.
// Implementations must be safe to call from multiple goroutines.
type Extractor interface {
	// Extract returns the text content of the file. It returns
	// ErrUnsupportedType for disallowed content types and an error for
	// corrupt input or an unavailable extraction backend.
	Extract(ctx context.Context, data []byte, contentType string) (string, error)
}

// ServiceConfig holds connection settings for the remote extraction service.
type ServiceConfig struct {
	// Endpoint is the base URL of the document-intelligence service.
	Endpoint string

	// APIKey is the service credential, sent as the api-key header.
	APIKey string

	// Timeout bounds each extraction request. Defaults to 120s — layout
	// analysis of large PDFs is slow.
	Timeout time.Duration
}

// ServiceExtractor implements Extractor against an HTTP document-intelligence
// service that accepts raw bytes and returns extracted text.
type ServiceExtractor struct {
	// cfg holds the resolved configuration.
	cfg *ServiceConfig

	// client is the shared HTTP client.
	client *http.Client
}

// NewServiceExtractor constructs a ServiceExtractor from the given config.
func NewServiceExtractor(cfg *ServiceConfig) (*ServiceExtractor, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, fmt.Errorf("extract: service endpoint must not be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &ServiceExtractor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Extract posts the file bytes to the extraction service and returns the
// plain-text body of the response.
func (e *ServiceExtractor) Extract(ctx context.Context, data []byte, contentType string) (string, error) {
	if !Supported(contentType) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	url := strings.TrimRight(e.cfg.Endpoint, "/") + "/analyze"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("extract: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/plain")
	if e.cfg.APIKey != "" {
		req.Header.Set("api-key", e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("extract: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("extract: service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("extract: read response: %w", err)
	}

	return string(body), nil
}

// PlainExtractor implements Extractor for text/plain content without any
// remote call. Used as a local fallback and in tests.
type PlainExtractor struct{}

// Extract decodes the bytes as UTF-8 text. Non-plain content types are
// rejected so callers do not accidentally index binary garbage.
func (PlainExtractor) Extract(_ context.Context, data []byte, contentType string) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct != TypePlain {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}
	return string(data), nil
}
