package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

const maxExtractionBody = 4 << 20

// RemoteConfig points the extractor at an extraction service.
type RemoteConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// RemoteExtractor delegates extraction to an HTTP service. The service
// receives the item reference and answers with an Extraction document.
type RemoteExtractor struct {
	cfg    RemoteConfig
	client *http.Client
}

var _ harvest.Extractor = (*RemoteExtractor)(nil)

// NewRemoteExtractor builds an extractor. A nil client gets a default one
// bounded by cfg.Timeout.
func NewRemoteExtractor(cfg RemoteConfig, client *http.Client) (*RemoteExtractor, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: extraction endpoint is required", harvest.ErrValidation)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &RemoteExtractor{cfg: cfg, client: client}, nil
}

type extractRequest struct {
	ItemID     string `json:"itemId"`
	SourceID   string `json:"sourceId"`
	Kind       string `json:"kind"`
	URL        string `json:"url"`
	ContentRef string `json:"contentRef"`
}

// Extract implements harvest.Extractor.
func (r *RemoteExtractor) Extract(ctx context.Context, item harvest.Item) (harvest.Extraction, error) {
	payload, err := json.Marshal(extractRequest{
		ItemID:     item.ID,
		SourceID:   item.SourceID,
		Kind:       string(item.Kind),
		URL:        item.URL,
		ContentRef: item.ContentRef,
	})
	if err != nil {
		return harvest.Extraction{}, fmt.Errorf("encode extraction request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return harvest.Extraction{}, fmt.Errorf("build extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return harvest.Extraction{}, fmt.Errorf("call extraction service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxExtractionBody))
	if err != nil {
		return harvest.Extraction{}, fmt.Errorf("read extraction response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return harvest.Extraction{}, fmt.Errorf("extraction service returned %d: %s", resp.StatusCode, truncate(body, 200))
	}
	var ext harvest.Extraction
	if err := json.Unmarshal(body, &ext); err != nil {
		return harvest.Extraction{}, fmt.Errorf("%w: decode extraction: %v", harvest.ErrValidation, err)
	}
	return ext, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
