package utils

import (
	"encoding/base64"

	"github.com/skip2/go-qrcode"
)

// QRDataURL renders a pairing code as a PNG data URL so it can travel
// inside a JSON status update. The raw code never leaves this function
// in readable form.
func QRDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 512)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
