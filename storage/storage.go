package storage

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ImageSource yields the raw bytes of one meal image.
type ImageSource interface {
	Load(ctx context.Context) ([]byte, error)
}

// DetectMIME sniffs the image content type from its leading bytes. Content
// the sniffer cannot place as an image is assumed to be JPEG, the dominant
// upload format.
func DetectMIME(data []byte) string {
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return "image/jpeg"
	}
	return mime
}

// TestImageSource is a simple in-memory implementation for testing
type TestImageSource struct {
	data []byte
	err  error
}

func NewTestImageSource(data []byte) *TestImageSource {
	return &TestImageSource{data: data}
}

func NewTestImageSourceWithError() *TestImageSource {
	return &TestImageSource{err: errors.New("not found")}
}

func (t *TestImageSource) Load(ctx context.Context) ([]byte, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.data, nil
}
