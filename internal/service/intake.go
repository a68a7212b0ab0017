// Package service contains the business logic layer.
//
// This file implements photo intake: storing uploaded originals and
// generating thumbnails so inspections can be created from raw uploads.
package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/kvernberg/fieldscope/internal/domain"
	"github.com/kvernberg/fieldscope/internal/storage"
)

const (
	// thumbnailMaxWidth/Height bound generated thumbnails.
	thumbnailMaxWidth  = 400
	thumbnailMaxHeight = 400

	// thumbnailJPEGQuality is the JPEG quality for generated thumbnails.
	thumbnailJPEGQuality = 85

	// maxUploadSize caps one uploaded photo at 20MB, matching the largest
	// image the AI provider accepts.
	maxUploadSize = 20 * 1024 * 1024

	// photoURLTTL is how long presigned photo URLs stay valid.
	photoURLTTL = 24 * time.Hour
)

// =============================================================================
// Thumbnail Processor
// =============================================================================

// ThumbnailProcessor handles thumbnail generation from images.
type ThumbnailProcessor interface {
	// GenerateThumbnail creates a JPEG thumbnail from the provided image
	// data, fitting within maxWidth x maxHeight while preserving aspect
	// ratio. Returns the thumbnail bytes plus the original dimensions.
	GenerateThumbnail(data io.Reader, maxWidth, maxHeight int) ([]byte, int, int, error)
}

type imagingProcessor struct{}

// NewImagingProcessor creates a thumbnail processor backed by the imaging
// library.
func NewImagingProcessor() ThumbnailProcessor {
	return &imagingProcessor{}
}

func (p *imagingProcessor) GenerateThumbnail(data io.Reader, maxWidth, maxHeight int) ([]byte, int, int, error) {
	img, _, err := image.Decode(data)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	thumbnail := imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumbnail, imaging.JPEG, imaging.JPEGQuality(thumbnailJPEGQuality)); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	return buf.Bytes(), bounds.Dx(), bounds.Dy(), nil
}

// =============================================================================
// Photo Intake
// =============================================================================

// PhotoUpload describes one raw photo upload from a field inspector.
type PhotoUpload struct {
	Data        io.Reader
	ContentType string
	Filename    string
	CapturedAt  time.Time
	Description string
}

// PhotoIntakeService stores uploaded photos and prepares the domain.NewPhoto
// records that inspection creation consumes.
type PhotoIntakeService interface {
	// StorePhoto persists the original image and a thumbnail, returning the
	// photo record to attach to an inspection.
	// Returns domain.EINVALID for unsupported or oversized images.
	StorePhoto(ctx context.Context, inspectionID uuid.UUID, upload PhotoUpload) (*domain.NewPhoto, error)

	// Discard removes the stored objects for photos whose inspection was
	// never created. Best effort: failures are logged, not returned.
	Discard(ctx context.Context, photos []domain.NewPhoto)
}

type photoIntakeService struct {
	storage    storage.Storage
	thumbnails ThumbnailProcessor
	logger     *slog.Logger
}

// NewPhotoIntakeService creates a new PhotoIntakeService.
func NewPhotoIntakeService(store storage.Storage, thumbnails ThumbnailProcessor, logger *slog.Logger) PhotoIntakeService {
	return &photoIntakeService{
		storage:    store,
		thumbnails: thumbnails,
		logger:     logger,
	}
}

func (s *photoIntakeService) StorePhoto(ctx context.Context, inspectionID uuid.UUID, upload PhotoUpload) (*domain.NewPhoto, error) {
	const op = "photo.store"

	if !storage.IsAllowedImageType(upload.ContentType) {
		return nil, domain.Invalid(op, "unsupported image type: "+upload.ContentType)
	}
	if upload.CapturedAt.IsZero() {
		return nil, domain.Invalid(op, "photo capture time is required")
	}

	// The image is needed twice (original upload and thumbnail source), so
	// buffer it while enforcing the size cap.
	data, err := io.ReadAll(io.LimitReader(upload.Data, maxUploadSize+1))
	if err != nil {
		return nil, domain.Internal(err, op, "failed to read upload")
	}
	if len(data) > maxUploadSize {
		return nil, domain.Invalid(op, "photo exceeds maximum upload size")
	}

	imageKey := storage.PhotoKey(inspectionID, upload.Filename)
	err = s.storage.Put(ctx, imageKey, bytes.NewReader(data), storage.PutOptions{
		ContentType: upload.ContentType,
		MaxSize:     maxUploadSize,
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to store photo")
	}

	imageURL, err := s.storage.URL(ctx, imageKey, photoURLTTL)
	if err != nil {
		s.deleteObject(ctx, imageKey)
		return nil, domain.Internal(err, op, "failed to build photo url")
	}

	photo := &domain.NewPhoto{
		ImageKey:    imageKey,
		ImageURL:    imageURL,
		CapturedAt:  upload.CapturedAt,
		Description: upload.Description,
	}

	// Thumbnail generation is best effort: a photo without a thumbnail is
	// still analyzable.
	thumbData, width, height, err := s.thumbnails.GenerateThumbnail(bytes.NewReader(data), thumbnailMaxWidth, thumbnailMaxHeight)
	if err != nil {
		s.logger.Warn("thumbnail generation failed",
			"inspection_id", inspectionID,
			"image_key", imageKey,
			"error", err,
		)
		return photo, nil
	}

	thumbKey := storage.ThumbnailKey(inspectionID)
	err = s.storage.Put(ctx, thumbKey, bytes.NewReader(thumbData), storage.PutOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		s.logger.Warn("thumbnail upload failed",
			"inspection_id", inspectionID,
			"thumbnail_key", thumbKey,
			"error", err,
		)
		return photo, nil
	}

	photo.ThumbnailKey = thumbKey
	s.logger.Debug("photo stored",
		"inspection_id", inspectionID,
		"image_key", imageKey,
		"size_bytes", len(data),
		"width", width,
		"height", height,
	)

	return photo, nil
}

func (s *photoIntakeService) Discard(ctx context.Context, photos []domain.NewPhoto) {
	for _, p := range photos {
		s.deleteObject(ctx, p.ImageKey)
		s.deleteObject(ctx, p.ThumbnailKey)
	}
}

func (s *photoIntakeService) deleteObject(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.storage.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to remove orphaned photo object", "key", key, "error", err)
	}
}
