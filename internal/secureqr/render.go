package secureqr

import (
	"bytes"
	"image/png"

	"github.com/skip2/go-qrcode"
)

// RenderPNG draws the envelope as a QR code image of size x size pixels.
func RenderPNG(envelope string, size int) ([]byte, error) {
	qr, err := qrcode.New(envelope, qrcode.Medium)
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, qr.Image(size)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
