package solana

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	qrSize   = 512
	markSize = 80
)

// overlayFn is swapped in tests to exercise the plain-code fallback.
var overlayFn = overlayBrandMark

// RenderQR renders a Solana Pay URI as a 512px PNG QR code with a
// centered brand mark. The highest error-correction level (30%)
// keeps the code scannable under the overlay. If compositing the
// mark fails the plain code is returned instead.
func RenderQR(uri string) ([]byte, error) {
	code, err := qrcode.New(uri, qrcode.Highest)
	if err != nil {
		return nil, err
	}
	img := code.Image(qrSize)

	out, err := overlayFn(img)
	if err != nil {
		out = img
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DataURL wraps a rendered PNG as a data URL for direct embedding in
// an <img> tag.
func DataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

func overlayBrandMark(qr image.Image) (image.Image, error) {
	return imaging.OverlayCenter(qr, brandMark(), 1.0), nil
}

// brandMark draws the three-bar Solana mark on a white square.
func brandMark() image.Image {
	mark := image.NewNRGBA(image.Rect(0, 0, markSize, markSize))
	draw.Draw(mark, mark.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	black := image.NewUniform(color.Black)
	bars := []image.Rectangle{
		image.Rect(20, 20, 60, 28),
		image.Rect(28, 36, 60, 44),
		image.Rect(20, 52, 60, 60),
	}
	for _, bar := range bars {
		draw.Draw(mark, bar, black, image.Point{}, draw.Src)
	}
	return mark
}
