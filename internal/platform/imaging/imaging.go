package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/ogurasousui/face-attendance/internal/core/biometric"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	jpegQuality = 90
	// DefaultMaxPixels は MaxPixels 未指定時の画素数上限です(RGBA 展開で約 100MiB)。
	DefaultMaxPixels = 25_000_000
)

// Inspector は照合サービスが受け付ける画像形式かを判定します。
type Inspector struct {
	// MaxPixels は許容する最大画素数です。0 の場合は DefaultMaxPixels を使います。
	MaxPixels int
}

// Inspect は画像ヘッダを解析し、形式名を返します。
func (i Inspector) Inspect(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", biometric.ErrUnsupportedImage)
	}

	_, format, err := decodeConfig(data, i.MaxPixels)
	if err != nil {
		return "", err
	}
	return format, nil
}

// decodeConfig はヘッダだけを読み、寸法が上限内かを確認します。
func decodeConfig(data []byte, maxPixels int) (image.Config, string, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, "", fmt.Errorf("%w: %v", biometric.ErrUnsupportedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, "", fmt.Errorf("%w: empty dimensions", biometric.ErrUnsupportedImage)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return image.Config{}, "", fmt.Errorf("%w: %dx%d exceeds pixel limit", biometric.ErrUnsupportedImage, cfg.Width, cfg.Height)
	}
	return cfg, format, nil
}

// Downscale は長辺が maxSide を超える画像を縮小し、JPEG として返します。
// 縮小が不要な場合は元のバイト列をそのまま返します。
// 展開前にヘッダの寸法を maxPixels (0 は DefaultMaxPixels) と照合します。
func Downscale(data []byte, maxSide, maxPixels int) ([]byte, error) {
	if maxSide <= 0 {
		return data, nil
	}

	cfg, _, err := decodeConfig(data, maxPixels)
	if err != nil {
		return nil, err
	}
	if cfg.Width <= maxSide && cfg.Height <= maxSide {
		return data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", biometric.ErrUnsupportedImage, err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSide
		newHeight = max(1, int(float64(height)*float64(maxSide)/float64(width)))
	} else {
		newHeight = maxSide
		newWidth = max(1, int(float64(width)*float64(maxSide)/float64(height)))
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("imaging: encode resized image: %w", err)
	}
	return buf.Bytes(), nil
}
