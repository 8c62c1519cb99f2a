package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func TestServiceStoreLocalBackend(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(&LocalBackend{BaseDir: dir}, nil, true, nil, "")

	img := createTestImage(64, 48)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encoding test jpeg: %v", err)
	}

	res, err := svc.Store(context.Background(), "attachments/2026/07/31/test.jpg", buf.Bytes(), "image/jpeg")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if res.Width == nil || *res.Width != 64 || res.Height == nil || *res.Height != 48 {
		t.Errorf("dimensions = %v x %v, want 64x48", res.Width, res.Height)
	}
	if res.Blurhash == nil || *res.Blurhash == "" {
		t.Error("expected non-empty blurhash")
	}
	if _, err := os.Stat(filepath.Join(dir, "attachments/2026/07/31/test.jpg")); err != nil {
		t.Errorf("expected file on disk: %v", err)
	}
}

func TestConfig_DefaultMaxUpload(t *testing.T) {
	cfg := Config{
		Endpoint:    "localhost:9000",
		Bucket:      "test",
		AccessKey:   "minioadmin",
		SecretKey:   "minioadmin",
		MaxUploadMB: 0,
	}

	if cfg.MaxUploadMB != 0 {
		t.Errorf("expected 0, got %d", cfg.MaxUploadMB)
	}

	maxBytes := cfg.MaxUploadMB * 1024 * 1024
	if maxBytes <= 0 {
		maxBytes = 100 * 1024 * 1024
	}
	if maxBytes != 100*1024*1024 {
		t.Errorf("default max bytes = %d, want %d", maxBytes, 100*1024*1024)
	}
}

func TestConfig_CustomMaxUpload(t *testing.T) {
	cfg := Config{
		MaxUploadMB: 50,
	}

	maxBytes := cfg.MaxUploadMB * 1024 * 1024
	if maxBytes != 50*1024*1024 {
		t.Errorf("max bytes = %d, want %d", maxBytes, 50*1024*1024)
	}
}

// createTestImage generates a test image with the given dimensions.
func createTestImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 128,
				A: 255,
			})
		}
	}
	return img
}

func TestComputeBlurhash(t *testing.T) {
	img := createTestImage(200, 150)

	hash := ComputeBlurhash(img)
	if hash == "" {
		t.Fatal("expected non-empty blurhash")
	}

	// Blurhash should be a reasonable length (typically 20-30 chars for 4x3 components).
	if len(hash) < 6 || len(hash) > 50 {
		t.Errorf("blurhash length = %d, expected between 6 and 50", len(hash))
	}

	// Same image should produce same hash (deterministic).
	hash2 := ComputeBlurhash(img)
	if hash != hash2 {
		t.Errorf("blurhash not deterministic: %q != %q", hash, hash2)
	}
}

func TestComputeBlurhash_SmallImage(t *testing.T) {
	img := createTestImage(16, 16)
	hash := ComputeBlurhash(img)
	if hash == "" {
		t.Fatal("expected non-empty blurhash for small image")
	}
}

func TestStripExifData_JPEG(t *testing.T) {
	img := createTestImage(100, 80)
	stripped := stripExifData(img, "image/jpeg")
	if stripped == nil {
		t.Fatal("expected non-nil stripped data for JPEG")
	}
	if len(stripped) == 0 {
		t.Fatal("expected non-empty stripped data")
	}

	// Verify the output is valid JPEG.
	decoded, err := jpeg.Decode(bytes.NewReader(stripped))
	if err != nil {
		t.Fatalf("stripped JPEG is not valid: %v", err)
	}
	bounds := decoded.Bounds()
	if bounds.Dx() != 100 || bounds.Dy() != 80 {
		t.Errorf("dimensions = %dx%d, want 100x80", bounds.Dx(), bounds.Dy())
	}
}

func TestStripExifData_PNG(t *testing.T) {
	img := createTestImage(100, 80)
	stripped := stripExifData(img, "image/png")
	if stripped == nil {
		t.Fatal("expected non-nil stripped data for PNG")
	}

	// Verify the output is valid PNG.
	decoded, err := png.Decode(bytes.NewReader(stripped))
	if err != nil {
		t.Fatalf("stripped PNG is not valid: %v", err)
	}
	bounds := decoded.Bounds()
	if bounds.Dx() != 100 || bounds.Dy() != 80 {
		t.Errorf("dimensions = %dx%d, want 100x80", bounds.Dx(), bounds.Dy())
	}
}

func TestStripExifData_UnknownFormat(t *testing.T) {
	img := createTestImage(50, 50)
	stripped := stripExifData(img, "image/webp")
	if stripped == nil {
		t.Fatal("expected fallback PNG encoding for unknown format")
	}

	// Should be valid PNG.
	_, err := png.Decode(bytes.NewReader(stripped))
	if err != nil {
		t.Fatalf("fallback PNG is not valid: %v", err)
	}
}

func TestProcessImage(t *testing.T) {
	img := createTestImage(800, 600)

	// Encode as JPEG for processing.
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("failed to encode test JPEG: %v", err)
	}

	svc := &Service{
		stripExif:      true,
		thumbnailSizes: []int{128, 256, 512},
	}

	result := svc.processImage(buf.Bytes(), "image/jpeg")

	if result.width == nil || result.height == nil {
		t.Fatal("expected non-nil width and height")
	}
	if *result.width != 800 {
		t.Errorf("width = %d, want 800", *result.width)
	}
	if *result.height != 600 {
		t.Errorf("height = %d, want 600", *result.height)
	}

	if result.blurhash == nil {
		t.Fatal("expected non-nil blurhash")
	}
	if *result.blurhash == "" {
		t.Error("expected non-empty blurhash")
	}

	if result.stripped == nil {
		t.Fatal("expected non-nil stripped data (EXIF strip enabled)")
	}

	// Verify stripped data is valid JPEG.
	_, err := jpeg.Decode(bytes.NewReader(result.stripped))
	if err != nil {
		t.Fatalf("stripped JPEG is not valid: %v", err)
	}
}

func TestProcessImage_NoStrip(t *testing.T) {
	img := createTestImage(200, 200)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test PNG: %v", err)
	}

	svc := &Service{
		stripExif:      false,
		thumbnailSizes: []int{128},
	}

	result := svc.processImage(buf.Bytes(), "image/png")

	if result.width == nil || *result.width != 200 {
		t.Errorf("width = %v, want 200", result.width)
	}
	if result.blurhash == nil || *result.blurhash == "" {
		t.Error("expected non-empty blurhash")
	}
	if result.stripped != nil {
		t.Error("expected nil stripped data when EXIF strip is disabled")
	}
}

func TestProcessImage_InvalidData(t *testing.T) {
	svc := &Service{stripExif: true}
	result := svc.processImage([]byte("not an image"), "image/jpeg")

	if result.width != nil || result.height != nil {
		t.Error("expected nil dimensions for invalid image data")
	}
	if result.blurhash != nil {
		t.Error("expected nil blurhash for invalid image data")
	}
}

func TestExtractDatePath(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"attachments/2026/02/10/abc.jpg", "2026/02/10"},
		{"attachments/2025/12/31/xyz.png", "2025/12/31"},
		{"short", ""}, // falls back to current date
	}

	for _, tt := range tests {
		got := extractDatePath(tt.key)
		if tt.want != "" && got != tt.want {
			t.Errorf("extractDatePath(%q) = %q, want %q", tt.key, got, tt.want)
		}
		if tt.want == "" && got == "" {
			t.Errorf("extractDatePath(%q) returned empty, expected current date fallback", tt.key)
		}
	}
}

func TestThumbnailURL(t *testing.T) {
	got := ThumbnailURL("abc123", "2026/02/10", 256)
	want := "thumbnails/2026/02/10/abc123_256.jpg"
	if got != want {
		t.Errorf("ThumbnailURL = %q, want %q", got, want)
	}
}
