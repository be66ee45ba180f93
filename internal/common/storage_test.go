package common

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func TestImagePaths(t *testing.T) {
	if got, want := ImagePath(42, "jpg"), filepath.Join("storage", "images", "42.jpg"); got != want {
		t.Errorf("ImagePath = %s, want %s", got, want)
	}
	if got, want := ThumbnailPath(42, "jpg"), filepath.Join("storage", "thumbnails", "42.jpg"); got != want {
		t.Errorf("ThumbnailPath = %s, want %s", got, want)
	}
}

func TestStoreAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	oldwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(oldwd) })

	if err := EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}

	path := ImagePath(7, "png")
	want := []byte{0x89, 'P', 'N', 'G'}
	if err := StoreImage(path, want); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := LoadImage(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("loaded %v, want %v", got, want)
	}

	if _, err := LoadImage(ImagePath(8, "png")); err == nil {
		t.Error("loading a missing image succeeded")
	}
}

func TestSniffFormat(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.SetRGBA(1, 1, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}

	format, err := SniffFormat(buf.Bytes(), []string{"jpeg", "png", "gif"})
	if err != nil {
		t.Fatalf("sniff: %v", err)
	}
	if format != "png" {
		t.Errorf("format = %s, want png", format)
	}

	if _, err := SniffFormat(buf.Bytes(), []string{"jpeg"}); err == nil {
		t.Error("png accepted against a jpeg-only allowlist")
	}
	if _, err := SniffFormat([]byte("definitely not an image"), []string{"png"}); err == nil {
		t.Error("garbage bytes sniffed as an image")
	}
}
