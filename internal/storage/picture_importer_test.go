package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type validatorFunc func(string) error

func (f validatorFunc) ValidateURL(rawURL string) error { return f(rawURL) }

func allowAll() URLValidator { return validatorFunc(func(string) error { return nil }) }

func TestPictureImporter_Import(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngHeader)
	}))
	defer srv.Close()

	store := newTestStore(t)
	importer := NewPictureImporter(srv.Client(), allowAll(), store)

	ref, err := importer.Import(context.Background(), "emp-1", srv.URL+"/photo")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, RefPrefix))
	assert.True(t, strings.HasSuffix(ref, "-emp-1.png"))
}

func TestPictureImporter_ValidatorRejects(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	reject := validatorFunc(func(string) error { return errors.New("blocked IP address") })
	importer := NewPictureImporter(srv.Client(), reject, newTestStore(t))

	_, err := importer.Import(context.Background(), "emp-1", srv.URL)
	assert.Error(t, err)
	assert.False(t, called, "request must not be sent for a rejected URL")
}

func TestPictureImporter_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
	}{
		{"not found", http.StatusNotFound, "image/png", ""},
		{"html content", http.StatusOK, "text/html", "<html></html>"},
		{"not an image body", http.StatusOK, "", "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.contentType != "" {
					w.Header().Set("Content-Type", tt.contentType)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			importer := NewPictureImporter(srv.Client(), allowAll(), newTestStore(t))
			_, err := importer.Import(context.Background(), "emp-1", srv.URL)
			assert.Error(t, err)
		})
	}
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".png", extensionFor("image/png"))
	assert.Equal(t, ".gif", extensionFor("image/gif"))
	assert.Equal(t, ".webp", extensionFor("image/webp"))
	assert.Equal(t, ".jpg", extensionFor("image/jpeg"))
	assert.Equal(t, ".jpg", extensionFor(""))
}
