package walletconnect

import (
	"github.com/skip2/go-qrcode"
	"moff.io/coursewallet/pkg/errors"
)

// QRCodePNG renders a pairing uri as a PNG QR code of size x size pixels.
func QRCodePNG(uri string, size int) ([]byte, error) {
	png, err := qrcode.Encode(uri, qrcode.Medium, size)
	if err != nil {
		return nil, errors.WrapAndReport(err, "encode wallet connect qr code")
	}
	return png, nil
}
