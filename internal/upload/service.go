// Package upload stores chat attachments and resolves them for download.
package upload

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
	"github.com/weiawesome/wes-chat-relay/pkg/storage"
)

const (
	keyPrefix    = "uploads/"
	FilesRoute   = "/files/"
	maxNameBytes = 100
)

var (
	ErrEmptyFile    = errors.New("file is empty")
	ErrFileTooLarge = errors.New("file exceeds the upload limit")
	ErrInvalidKey   = errors.New("invalid file key")
)

// Download is either an external URL or a stream the caller must close.
type Download struct {
	URL  string
	Body io.ReadCloser
}

type Service struct {
	store   storage.Storage
	maxSize int64
	urlTTL  time.Duration
}

func NewService(store storage.Storage, maxSize int64, urlTTL time.Duration) *Service {
	return &Service{store: store, maxSize: maxSize, urlTTL: urlTTL}
}

func (s *Service) MaxSize() int64 {
	return s.maxSize
}

// Store saves the upload under uploads/<ulid>-<name> and returns its key.
func (s *Service) Store(ctx context.Context, filename string, r io.Reader, size int64, contentType string) (string, error) {
	if size == 0 {
		return "", ErrEmptyFile
	}
	if s.maxSize > 0 && size > s.maxSize {
		return "", ErrFileTooLarge
	}

	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate ULID: %w", err)
	}
	key := keyPrefix + id.String() + "-" + sanitizeName(filename)

	if err := s.store.Write(ctx, key, r, size, contentType); err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}

	l := log.Ctx(ctx)
	l.Info().Str("key", key).Int64("size", size).Msg("file uploaded")
	return key, nil
}

// PublicPath is the path clients put into FILE message content.
func (s *Service) PublicPath(key string) string {
	return FilesRoute + key
}

// Open resolves a key for download. Backends with external URLs return a
// URL; the local backend returns a stream.
func (s *Service) Open(ctx context.Context, key string) (*Download, error) {
	key = strings.TrimPrefix(key, "/")
	if !strings.HasPrefix(key, keyPrefix) || path.Clean(key) != key {
		return nil, ErrInvalidKey
	}

	url, err := s.store.GetURL(ctx, key, s.urlTTL)
	if err != nil {
		return nil, err
	}
	if url != "" {
		return &Download{URL: url}, nil
	}

	body, err := s.store.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Download{Body: body}, nil
}

// sanitizeName keeps the base name's letters, digits, dots, dashes and
// underscores.
func sanitizeName(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() >= maxNameBytes {
			break
		}
	}

	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}
