package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/pawreel/api/internal/domain"
	pstorage "github.com/pawreel/api/internal/platform/storage"
	"github.com/pawreel/api/internal/repositories"
)

const (
	maxPhotoUploadSize     = int64(15 * 1024 * 1024) // 15 MiB
	photoUploadExpiry      = 15 * time.Minute
	videoDownloadExpiry    = 10 * time.Minute
	videoDownloadMIMEType  = "video/mp4"
	uploadLoggerEventIssue = "upload.photo.issued"
)

var photoContentTypes = []string{"image/jpeg", "image/jpg", "image/png", "image/webp", "image/heic"}

var (
	// ErrUploadInvalidInput indicates the caller provided an invalid argument.
	ErrUploadInvalidInput = errors.New("upload: invalid input")
	// ErrUploadForbidden indicates the requester does not own the target order.
	ErrUploadForbidden = errors.New("upload: forbidden")
	// ErrVideoNotReady indicates the order has no delivered video yet.
	ErrVideoNotReady = errors.New("upload: video not ready")
)

// UploadServiceDeps wires dependencies for the upload service implementation.
type UploadServiceDeps struct {
	Orders      repositories.OrderRepository
	Storage     *pstorage.Client
	PhotoBucket string
	VideoBucket string
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type uploadService struct {
	orders      repositories.OrderRepository
	storage     *pstorage.Client
	photoBucket string
	videoBucket string
	newID       func() string
	logger      func(context.Context, string, map[string]any)
}

var _ UploadService = (*uploadService)(nil)

// NewUploadService constructs an UploadService backed by signed storage URLs.
func NewUploadService(deps UploadServiceDeps) (UploadService, error) {
	if deps.Orders == nil {
		return nil, errors.New("upload service: order repository is required")
	}
	if deps.Storage == nil {
		return nil, errors.New("upload service: storage client is required")
	}
	photoBucket := strings.TrimSpace(deps.PhotoBucket)
	if photoBucket == "" {
		return nil, errors.New("upload service: photo bucket is required")
	}
	videoBucket := strings.TrimSpace(deps.VideoBucket)
	if videoBucket == "" {
		videoBucket = photoBucket
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &uploadService{
		orders:      deps.Orders,
		storage:     deps.Storage,
		photoBucket: photoBucket,
		videoBucket: videoBucket,
		newID:       idGen,
		logger:      logger,
	}, nil
}

// IssuePhotoUpload signs a direct upload URL for one pet photo. The upload id
// is generated here so retried uploads never overwrite earlier objects.
func (s *uploadService) IssuePhotoUpload(ctx context.Context, cmd PhotoUploadCommand) (SignedUploadResponse, error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return SignedUploadResponse{}, fmt.Errorf("%w: owner id is required", ErrUploadInvalidInput)
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return SignedUploadResponse{}, fmt.Errorf("%w: order id is required", ErrUploadInvalidInput)
	}
	contentType := strings.ToLower(strings.TrimSpace(cmd.ContentType))
	if contentType == "" {
		return SignedUploadResponse{}, fmt.Errorf("%w: content_type is required", ErrUploadInvalidInput)
	}
	if cmd.SizeBytes <= 0 {
		return SignedUploadResponse{}, fmt.Errorf("%w: size_bytes must be positive", ErrUploadInvalidInput)
	}
	if cmd.SizeBytes > maxPhotoUploadSize {
		return SignedUploadResponse{}, fmt.Errorf("%w: size_bytes exceeds maximum (%d)", ErrUploadInvalidInput, maxPhotoUploadSize)
	}

	fileName := strings.TrimSpace(cmd.FileName)
	if fileName == "" {
		fileName = "photo"
	}

	object, err := pstorage.BuildObjectPath(pstorage.PurposeOrderPhoto, pstorage.PathParams{
		OrderID:  orderID,
		UploadID: s.newID(),
		FileName: fileName,
	})
	if err != nil {
		return SignedUploadResponse{}, fmt.Errorf("%w: %v", ErrUploadInvalidInput, err)
	}

	result, err := s.storage.SignedURL(ctx, s.photoBucket, object, pstorage.SignedURLOptions{
		Upload: &pstorage.UploadOptions{
			Method:              "PUT",
			ContentType:         contentType,
			AllowedContentTypes: photoContentTypes,
			MaxSize:             maxPhotoUploadSize,
			ExpiresIn:           photoUploadExpiry,
		},
	})
	if err != nil {
		return SignedUploadResponse{}, err
	}

	s.logger(ctx, uploadLoggerEventIssue, map[string]any{
		"owner":     ownerID,
		"order":     orderID,
		"object":    object,
		"expiresAt": result.ExpiresAt,
	})

	return SignedUploadResponse{
		StorageKey: object,
		URL:        result.URL,
		Method:     result.Method,
		Headers:    result.Headers,
		ExpiresAt:  result.ExpiresAt,
	}, nil
}

// IssueVideoDownload signs a short-lived download URL for the delivered video.
// Only the order owner may fetch it.
func (s *uploadService) IssueVideoDownload(ctx context.Context, cmd VideoDownloadCommand) (string, error) {
	requesterID := strings.TrimSpace(cmd.RequesterID)
	if requesterID == "" {
		return "", fmt.Errorf("%w: requester id is required", ErrUploadInvalidInput)
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return "", fmt.Errorf("%w: order id is required", ErrUploadInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return "", mapOrderRepositoryError(err)
	}

	if order.Status != domain.OrderStatusCompleted || order.VideoRef == nil || strings.TrimSpace(*order.VideoRef) == "" {
		return "", fmt.Errorf("%w: order %s", ErrVideoNotReady, order.ID)
	}

	result, err := s.storage.SignedURL(ctx, s.videoBucket, *order.VideoRef, pstorage.SignedURLOptions{
		Download: &pstorage.DownloadOptions{
			ExpiresIn:    videoDownloadExpiry,
			Disposition:  "attachment",
			ResponseType: videoDownloadMIMEType,
			OwnerID:      order.OwnerID,
			RequesterID:  requesterID,
		},
	})
	if err != nil {
		if errors.Is(err, pstorage.ErrPermissionDenied) {
			return "", ErrUploadForbidden
		}
		return "", err
	}

	return result.URL, nil
}
