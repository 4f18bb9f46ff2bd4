package imaging

import (
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register PNG decoder for camera screenshots
	"os"
	"path/filepath"
	"strings"
)

// DefaultQuality is the JPEG quality used for compressed copies.
const DefaultQuality = 70

// CompressToJPEG re-encodes the image at srcPath as a JPEG with the given
// quality and writes it next to the source with a _compressed suffix. The
// original file is left untouched so a retry can start over from it.
// Returns the path of the compressed copy.
func CompressToJPEG(srcPath string, quality int) (string, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open source image: %w", err)
	}
	defer src.Close()

	img, _, err := image.Decode(src)
	if err != nil {
		return "", fmt.Errorf("decode image %s: %w", srcPath, err)
	}

	dstPath := compressedPath(srcPath)
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("create compressed copy: %w", err)
	}
	defer dst.Close()

	if err := jpeg.Encode(dst, img, &jpeg.Options{Quality: quality}); err != nil {
		os.Remove(dstPath)
		return "", fmt.Errorf("encode compressed copy: %w", err)
	}
	return dstPath, nil
}

// FileSize returns the size of the file at path in bytes.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func compressedPath(srcPath string) string {
	ext := filepath.Ext(srcPath)
	base := strings.TrimSuffix(srcPath, ext)
	return base + "_compressed.jpg"
}
