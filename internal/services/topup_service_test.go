package services

import (
	"encoding/base64"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopUpService_GenerateQRCode(t *testing.T) {
	service := NewTopUpService()

	t.Run("issues a checkout link for a known pack", func(t *testing.T) {
		qr, err := service.GenerateQRCode(42, "creator")
		assert.NoError(t, err)

		assert.Equal(t, "creator", qr.PackID)
		assert.Equal(t, int64(500), qr.Tokens)
		assert.NotEmpty(t, qr.Reference)

		parsed, err := url.Parse(qr.CheckoutURL)
		assert.NoError(t, err)
		assert.Equal(t, "creator", parsed.Query().Get("pack"))
		assert.Equal(t, "42", parsed.Query().Get("user"))
		assert.Equal(t, qr.Reference, parsed.Query().Get("ref"))

		png, err := base64.StdEncoding.DecodeString(qr.QRImage)
		assert.NoError(t, err)
		assert.Equal(t, []byte("\x89PNG"), png[:4])
	})

	t.Run("unknown pack", func(t *testing.T) {
		_, err := service.GenerateQRCode(42, "mega")
		assert.Error(t, err)
	})

	t.Run("references are unique per issue", func(t *testing.T) {
		first, err := service.GenerateQRCode(42, "starter")
		assert.NoError(t, err)
		second, err := service.GenerateQRCode(42, "starter")
		assert.NoError(t, err)
		assert.NotEqual(t, first.Reference, second.Reference)
	})
}
