package server

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"
)

// signLink returns the page a sender opens to sign a payment in Phantom.
// Format: {base}/phantom/sign?state={payment_id}&autorun=1
func signLink(baseURL, paymentID string) string {
	return fmt.Sprintf("%s/phantom/sign?state=%s&autorun=1",
		strings.TrimRight(baseURL, "/"), url.QueryEscape(paymentID))
}

// generateQRCode creates a QR code image from a link and returns it as base64-encoded PNG.
func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}

	// Base64 for embedding in JSON and HTML
	return base64.StdEncoding.EncodeToString(png), nil
}
