// Package capture turns images from disk, readers and uploaded form files into
// classify payloads.
package capture

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/whyrusleeping/predictcam/classify"
)

const (
	DefaultFilename  = "photo.jpg"
	DefaultMediaType = "image/jpeg"

	MaxImageBytes = 20 << 20
)

func FromFile(path string) (*classify.ImagePayload, error) {
	fi, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fi.Close()

	return FromReader(fi, filepath.Base(path), "")
}

// FromReader reads the whole image. An empty mediaType is inferred from the
// filename extension and then from the content itself.
func FromReader(r io.Reader, filename, mediaType string) (*classify.ImagePayload, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("image is empty")
	}
	if len(data) > MaxImageBytes {
		return nil, fmt.Errorf("image is larger than %d bytes", MaxImageBytes)
	}

	if filename == "" {
		filename = DefaultFilename
	}
	if mediaType == "" {
		mediaType = DetectMediaType(filename, data)
	}

	return &classify.ImagePayload{
		Data:      data,
		MediaType: mediaType,
		Filename:  filename,
	}, nil
}

func FromMultipart(fh *multipart.FileHeader) (*classify.ImagePayload, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("opening upload: %w", err)
	}
	defer f.Close()

	mt := fh.Header.Get("Content-Type")
	if !isImageType(mt) {
		mt = ""
	}

	return FromReader(f, filepath.Base(fh.Filename), mt)
}

func DetectMediaType(filename string, data []byte) string {
	if mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); isImageType(mt) {
		return mt
	}

	if mt := http.DetectContentType(data); isImageType(mt) {
		return mt
	}

	return DefaultMediaType
}

func isImageType(mt string) bool {
	t, _, err := mime.ParseMediaType(mt)
	return err == nil && strings.HasPrefix(t, "image/")
}
