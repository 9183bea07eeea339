package services

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/viper"
)

// TokenPack is a purchasable bundle of tokens. Payment itself happens on an
// external checkout page; this service only issues the QR-encoded link.
type TokenPack struct {
	ID     string `json:"id"`
	Tokens int64  `json:"tokens"`
}

// TokenPacks lists the packs available for purchase.
var TokenPacks = []TokenPack{
	{ID: "starter", Tokens: 100},
	{ID: "creator", Tokens: 500},
	{ID: "studio", Tokens: 2000},
}

// TopUpService generates QR codes for token-pack checkout links.
type TopUpService struct{}

func NewTopUpService() *TopUpService {
	return &TopUpService{}
}

// TopUpQR is the issued top-up reference plus its QR code PNG.
type TopUpQR struct {
	Reference   string    `json:"reference"`
	PackID      string    `json:"packId"`
	Tokens      int64     `json:"tokens"`
	CheckoutURL string    `json:"checkoutUrl"`
	QRImage     string    `json:"qrImage"` // base64 PNG
	IssuedAt    time.Time `json:"issuedAt"`
}

// GenerateQRCode builds the checkout link for a pack and renders it as a
// QR code PNG.
func (s *TopUpService) GenerateQRCode(userID int64, packID string) (*TopUpQR, error) {
	var pack *TokenPack
	for i := range TokenPacks {
		if TokenPacks[i].ID == packID {
			pack = &TokenPacks[i]
			break
		}
	}
	if pack == nil {
		return nil, fmt.Errorf("unknown token pack %q", packID)
	}

	viper.SetDefault("topup.checkout_base_url", "https://pay.genforge.io/checkout")

	reference := uuid.NewString()
	checkoutURL := fmt.Sprintf("%s?%s",
		viper.GetString("topup.checkout_base_url"),
		url.Values{
			"ref":  {reference},
			"pack": {pack.ID},
			"user": {fmt.Sprintf("%d", userID)},
		}.Encode())

	png, err := qrcode.Encode(checkoutURL, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("encode QR: %w", err)
	}

	return &TopUpQR{
		Reference:   reference,
		PackID:      pack.ID,
		Tokens:      pack.Tokens,
		CheckoutURL: checkoutURL,
		QRImage:     base64.StdEncoding.EncodeToString(png),
		IssuedAt:    time.Now(),
	}, nil
}
