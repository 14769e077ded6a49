package solana

import (
	"bytes"
	"errors"
	"image"
	_ "image/png"
	"strings"
	"testing"
)

func TestRenderQRProducesPNG(t *testing.T) {
	png, err := RenderQR("solana:" + systemProgram + "?amount=0.5")
	if err != nil {
		t.Fatalf("RenderQR: %v", err)
	}

	img, format, err := image.Decode(bytes.NewReader(png))
	if err != nil {
		t.Fatalf("decode rendered bytes: %v", err)
	}
	if format != "png" {
		t.Errorf("format = %q, want png", format)
	}
	bounds := img.Bounds()
	if bounds.Dx() != qrSize || bounds.Dy() != qrSize {
		t.Errorf("rendered %dx%d, want %dx%d", bounds.Dx(), bounds.Dy(), qrSize, qrSize)
	}
}

func TestRenderQRFallsBackWithoutOverlay(t *testing.T) {
	original := overlayFn
	overlayFn = func(image.Image) (image.Image, error) {
		return nil, errors.New("overlay broken")
	}
	defer func() { overlayFn = original }()

	png, err := RenderQR("solana:" + systemProgram + "?amount=1")
	if err != nil {
		t.Fatalf("RenderQR with broken overlay: %v", err)
	}
	if _, _, err := image.Decode(bytes.NewReader(png)); err != nil {
		t.Fatalf("fallback output is not a decodable image: %v", err)
	}
}

func TestDataURL(t *testing.T) {
	got := DataURL([]byte{0x89, 0x50})
	if !strings.HasPrefix(got, "data:image/png;base64,") {
		t.Errorf("DataURL prefix wrong: %q", got)
	}
	if got == "data:image/png;base64," {
		t.Error("DataURL dropped the payload")
	}
}
