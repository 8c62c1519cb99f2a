// Package media handles attachment storage and thumbnail generation behind
// a pluggable MediaBackend: a Local filesystem backend matching spec.md's
// "unlink only when the filename has no path separators" invariant for
// on-disk quota eviction, and an S3-compatible backend (via minio-go) for
// deployments that externalize object storage.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buckket/go-blurhash"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/image/draw"
)

// Config configures media storage and processing.
type Config struct {
	Endpoint    string
	Bucket      string
	AccessKey   string
	SecretKey   string
	UseSSL      bool
	MaxUploadMB int64
	LocalDir    string
	CDNBaseURL  string
}

// Backend is the storage capability the object-fetch worker's attachment
// persistence and the GC worker's media-quota eviction both depend on,
// letting either a local directory or an S3-compatible bucket serve as the
// attachment store without either caller knowing which.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
}

// LocalBackend stores media as plain files under BaseDir.
type LocalBackend struct {
	BaseDir string
}

// Put writes r to BaseDir/key, creating parent directories as needed.
func (b *LocalBackend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	path := filepath.Join(b.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating media directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating media file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("writing media file: %w", err)
	}
	return nil
}

// Delete unlinks the file named by key under BaseDir. Per spec.md's GC
// invariant, it refuses to unlink a key containing a path separator so
// quota eviction can never be tricked into deleting outside BaseDir.
func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("refusing to delete %q: filename contains a path separator", key)
	}
	err := os.Remove(filepath.Join(b.BaseDir, key))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// S3Backend stores media in an S3-compatible bucket via minio-go.
type S3Backend struct {
	Client *minio.Client
	Bucket string
}

// NewS3Backend dials an S3-compatible endpoint per cfg.
func NewS3Backend(cfg Config) (*S3Backend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing S3 endpoint: %w", err)
	}
	return &S3Backend{Client: client, Bucket: cfg.Bucket}, nil
}

func (b *S3Backend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := b.Client.PutObject(ctx, b.Bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	return b.Client.RemoveObject(ctx, b.Bucket, key, minio.RemoveObjectOptions{})
}

// Service processes uploaded attachments: thumbnailing, blurhash, and
// optional EXIF stripping, before handing bytes to a Backend.
type Service struct {
	Backend        Backend
	Logger         *slog.Logger
	stripExif      bool
	thumbnailSizes []int
	cdnBaseURL     string
}

// NewService builds a media Service backed by backend.
func NewService(backend Backend, logger *slog.Logger, stripExif bool, thumbnailSizes []int, cdnBaseURL string) *Service {
	if len(thumbnailSizes) == 0 {
		thumbnailSizes = []int{128, 256, 512}
	}
	return &Service{Backend: backend, Logger: logger, stripExif: stripExif, thumbnailSizes: thumbnailSizes, cdnBaseURL: cdnBaseURL}
}

// URL builds the public-facing URL for a stored key, preferring the
// configured CDN base over a caller-supplied fallback.
func (s *Service) URL(key, fallbackBase string) string {
	base := s.cdnBaseURL
	if base == "" {
		base = fallbackBase
	}
	return strings.TrimRight(base, "/") + "/" + key
}

// StoreResult reports what Store derived from an uploaded attachment.
type StoreResult struct {
	Key       string
	SizeBytes int64
	Width     *int
	Height    *int
	Blurhash  *string
}

// Store processes an uploaded attachment (deriving dimensions and a
// blurhash when it decodes as an image, stripping EXIF if configured) and
// persists it under key via Backend, then derives thumbnails at each
// configured size. The object-fetch worker's remote attachment mirroring
// and the /users/{u}/media upload handler both funnel through this single
// entry point so quota accounting and image processing never drift between
// the two call sites.
func (s *Service) Store(ctx context.Context, key string, data []byte, contentType string) (StoreResult, error) {
	res := s.processImage(data, contentType)
	body := data
	if len(res.stripped) > 0 {
		body = res.stripped
	}
	if err := s.Backend.Put(ctx, key, bytes.NewReader(body), int64(len(body)), contentType); err != nil {
		return StoreResult{}, fmt.Errorf("storing media %q: %w", key, err)
	}
	if res.decoded != nil {
		s.storeThumbnails(ctx, key, res.decoded)
	}
	return StoreResult{
		Key:       key,
		SizeBytes: int64(len(body)),
		Width:     res.width,
		Height:    res.height,
		Blurhash:  res.blurhash,
	}, nil
}

// storeThumbnails scales src to each configured thumbnail size and writes
// the results under ThumbnailURL keys. A failure to produce or store one
// size is logged and does not block the others.
func (s *Service) storeThumbnails(ctx context.Context, key string, src image.Image) {
	id := strings.TrimSuffix(filepath.Base(key), filepath.Ext(key))
	datePath := extractDatePath(key)
	for _, size := range s.thumbnailSizes {
		thumb := scaleToWidth(src, size)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 85}); err != nil {
			if s.Logger != nil {
				s.Logger.Warn("encoding thumbnail", "key", key, "size", size, "error", err)
			}
			continue
		}
		thumbKey := ThumbnailURL(id, datePath, size)
		if err := s.Backend.Put(ctx, thumbKey, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "image/jpeg"); err != nil {
			if s.Logger != nil {
				s.Logger.Warn("storing thumbnail", "key", thumbKey, "error", err)
			}
		}
	}
}

// scaleToWidth proportionally resizes img so its width matches targetWidth,
// using bilinear interpolation. Images already narrower than targetWidth are
// returned unscaled.
func scaleToWidth(img image.Image, targetWidth int) image.Image {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW <= targetWidth || srcW == 0 {
		return img
	}
	targetHeight := int(float64(srcH) * float64(targetWidth) / float64(srcW))
	if targetHeight < 1 {
		targetHeight = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, targetWidth, targetHeight))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

// processResult holds what processImage could derive from uploaded bytes.
type processResult struct {
	decoded  image.Image
	width    *int
	height   *int
	blurhash *string
	stripped []byte
}

// processImage decodes data as an image, computing its dimensions and
// blurhash and, if stripExif is set, a re-encoded copy with EXIF removed.
// Decode failures are not fatal: callers still get to store the original
// bytes, just without derived metadata.
func (s *Service) processImage(data []byte, contentType string) processResult {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return processResult{}
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	hash := ComputeBlurhash(img)

	res := processResult{decoded: img, width: &w, height: &h, blurhash: &hash}
	if s.stripExif {
		res.stripped = stripExifData(img, contentType)
	}
	return res
}

// ComputeBlurhash derives the blurhash.org placeholder string for img using
// a 4x3 component grid, the same resolution the reference encoder's README
// recommends for thumbnail-sized previews. A decode failure (e.g. a 0x0
// image) yields an empty string rather than an error, since callers treat
// blurhash as optional metadata.
func ComputeBlurhash(img image.Image) string {
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return ""
	}
	hash, err := blurhash.Encode(4, 3, img)
	if err != nil {
		return ""
	}
	return hash
}

// stripExifData re-encodes img, dropping any metadata the original
// container carried (Go's image encoders never round-trip EXIF, so
// re-encoding is sufficient to strip it). Falls back to PNG for content
// types other than JPEG/PNG.
func stripExifData(img image.Image, contentType string) []byte {
	var buf bytes.Buffer
	switch contentType {
	case "image/jpeg", "image/jpg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			return nil
		}
	case "image/png":
		if err := png.Encode(&buf, img); err != nil {
			return nil
		}
	default:
		if err := png.Encode(&buf, img); err != nil {
			return nil
		}
	}
	return buf.Bytes()
}

// extractDatePath pulls a "YYYY/MM/DD" path segment out of an
// attachments/YYYY/MM/DD/<file> style key, falling back to today's date
// when the key doesn't carry one.
func extractDatePath(key string) string {
	parts := strings.Split(key, "/")
	for i := 0; i+2 < len(parts); i++ {
		if len(parts[i]) == 4 && len(parts[i+1]) == 2 && len(parts[i+2]) == 2 {
			return parts[i] + "/" + parts[i+1] + "/" + parts[i+2]
		}
	}
	return time.Now().UTC().Format("2006/01/02")
}

// ThumbnailURL builds the storage key for a thumbnail of the given size.
func ThumbnailURL(id, datePath string, size int) string {
	return fmt.Sprintf("thumbnails/%s/%s_%d.jpg", datePath, id, size)
}
