package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ms-reservations/internal/clock"
	"ms-reservations/internal/database"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/heic": true,
	"image/avif": true,
}

// Store keeps uploaded files as rows in media_objects and hands out URLs
// under BaseURL/media/{id}.
type Store struct {
	Bun      *bun.DB
	BaseURL  string
	MaxBytes int64
	Logger   *logger.Logger
	Clock    clock.Clock
}

func NewStore(db *bun.DB, baseURL string, maxBytes int64, log *logger.Logger) *Store {
	return &Store{
		Bun:      db,
		BaseURL:  strings.TrimRight(baseURL, "/"),
		MaxBytes: maxBytes,
		Logger:   log,
		Clock:    clock.NewSystem(),
	}
}

// Upload stores the file and returns its public URL.
func (s *Store) Upload(ctx context.Context, up models.Upload) (string, error) {
	if len(up.Data) == 0 {
		return "", fmt.Errorf("empty upload: %w", models.ErrInvalidRequest)
	}
	if s.MaxBytes > 0 && int64(len(up.Data)) > s.MaxBytes {
		return "", fmt.Errorf("upload of %d bytes exceeds %d: %w", len(up.Data), s.MaxBytes, models.ErrInvalidRequest)
	}

	contentType := up.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(up.Data)
	}
	contentType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if !allowedTypes[contentType] {
		return "", fmt.Errorf("content type %q not allowed: %w", contentType, models.ErrInvalidRequest)
	}

	obj := &models.MediaObject{
		ID:          uuid.New().String(),
		Name:        up.Name,
		ContentType: contentType,
		Data:        up.Data,
		CreatedAt:   s.Clock.Now(),
	}
	if _, err := database.Conn(ctx, s.Bun).NewInsert().Model(obj).Exec(ctx); err != nil {
		return "", fmt.Errorf("store media %s: %w", up.Name, err)
	}

	s.Logger.LogDatabase("INSERT", "media_objects", fmt.Sprintf("%s (%s, %d bytes)", obj.ID, contentType, len(up.Data)))
	return s.URL(obj.ID), nil
}

// Remove deletes the object behind ref, which may be a URL from Upload or
// a bare id. Removing a missing object is not an error.
func (s *Store) Remove(ctx context.Context, ref string) error {
	id := IDFromRef(ref)
	if id == "" {
		return fmt.Errorf("media ref %q: %w", ref, models.ErrInvalidRequest)
	}
	_, err := database.Conn(ctx, s.Bun).NewDelete().
		Model((*models.MediaObject)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove media %s: %w", id, err)
	}
	s.Logger.LogDatabase("DELETE", "media_objects", id)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.MediaObject, error) {
	var obj models.MediaObject
	err := database.Conn(ctx, s.Bun).NewSelect().
		Model(&obj).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("media %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

func (s *Store) URL(id string) string {
	return s.BaseURL + "/media/" + id
}

func IDFromRef(ref string) string {
	ref = strings.TrimRight(ref, "/")
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
