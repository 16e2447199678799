package storage

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// URLValidator はリクエスト前にURLの安全性を検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// PictureImporter はIdPのプロフィール画像URLを取得してImageStoreに保存する。
type PictureImporter struct {
	client    *http.Client
	validator URLValidator
	store     ImageStore
}

// NewPictureImporter はPictureImporterを生成する。
// clientにはSSRF防止機能付きのクライアントを渡すこと。
func NewPictureImporter(client *http.Client, validator URLValidator, store ImageStore) *PictureImporter {
	return &PictureImporter{client: client, validator: validator, store: store}
}

// Import は画像を取得して保存し、参照を返す。
func (p *PictureImporter) Import(ctx context.Context, employeeID, pictureURL string) (string, error) {
	if err := p.validator.ValidateURL(pictureURL); err != nil {
		return "", fmt.Errorf("picture URL rejected: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pictureURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create picture request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("picture request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("picture request returned HTTP %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		return "", fmt.Errorf("unexpected picture content type: %s", ct)
	}

	return p.store.Store(ctx, employeeID+extensionFor(resp.Header.Get("Content-Type")), resp.Body)
}

func extensionFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/gif"):
		return ".gif"
	case strings.HasPrefix(contentType, "image/webp"):
		return ".webp"
	default:
		return ".jpg"
	}
}
