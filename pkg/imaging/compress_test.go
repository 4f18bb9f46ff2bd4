package imaging

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestJPEG(t *testing.T, dir string, width, height, quality int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: uint8((x + y) % 256), A: 255})
		}
	}
	path := filepath.Join(dir, "document.jpg")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: quality}))
	return path
}

func TestCompressToJPEG(t *testing.T) {
	dir := t.TempDir()
	src := writeTestJPEG(t, dir, 400, 300, 100)

	out, err := CompressToJPEG(src, 50)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "document_compressed.jpg"), out)

	srcSize, err := FileSize(src)
	require.NoError(t, err)
	outSize, err := FileSize(out)
	require.NoError(t, err)
	assert.Less(t, outSize, srcSize, "re-encode at lower quality should shrink the file")

	// Original untouched
	_, err = os.Stat(src)
	assert.NoError(t, err)
}

func TestCompressToJPEGInvalidQualityFallsBack(t *testing.T) {
	dir := t.TempDir()
	src := writeTestJPEG(t, dir, 64, 64, 90)

	out, err := CompressToJPEG(src, 0)
	require.NoError(t, err)
	assert.FileExists(t, out)
}

func TestCompressToJPEGMissingSource(t *testing.T) {
	_, err := CompressToJPEG(filepath.Join(t.TempDir(), "missing.jpg"), 70)
	assert.Error(t, err)
}

func TestCompressToJPEGNotAnImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "junk.jpg")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))

	_, err := CompressToJPEG(path, 70)
	assert.Error(t, err)
}
