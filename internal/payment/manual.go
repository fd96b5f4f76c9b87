package payment

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ManualProvider is the offline PIX rail: the charge is a static PIX key plus
// an EMV payload the buyer pays out-of-band. There is no automated status and
// no webhook signature; confirmation comes only from an authenticated seller
// or admin action.
type ManualProvider struct {
	pixKey       string
	merchantName string
	merchantCity string
}

func NewManualProvider(pixKey, merchantName, merchantCity string) *ManualProvider {
	return &ManualProvider{pixKey: pixKey, merchantName: merchantName, merchantCity: merchantCity}
}

func (p *ManualProvider) Name() string { return "manual" }

func (p *ManualProvider) CreateCharge(_ context.Context, params CreateChargeParams) (*Charge, error) {
	if p.pixKey == "" {
		return nil, fmt.Errorf("manual provider: no PIX key configured")
	}

	expiry := params.ExpiryMinutes
	if expiry <= 0 {
		expiry = 30
	}

	payload := BuildPixPayload(p.pixKey, p.merchantName, p.merchantCity, params.Amount.StringFixed(2), params.Reference)
	return &Charge{
		ProviderRef:   "manual:" + params.Reference,
		PixKey:        p.pixKey,
		QRCodePayload: payload,
		ExpiresAt:     time.Now().Add(time.Duration(expiry) * time.Minute),
		Provider:      p.Name(),
	}, nil
}

func (p *ManualProvider) GetStatus(_ context.Context, _ string) (*Event, error) {
	return nil, ErrStatusUnavailable
}

func (p *ManualProvider) ParseWebhook(_ []byte) (*Event, error) {
	return nil, fmt.Errorf("manual provider does not accept webhooks")
}

func (p *ManualProvider) VerifyWebhookSignature(_ http.Header, _ []byte) bool { return false }

func (p *ManualProvider) SignsWebhooks() bool { return false }

// BuildPixPayload assembles a static PIX BR Code (EMV) string with a CRC16
// trailer, the "copia e cola" text a payer pastes into their banking app.
func BuildPixPayload(pixKey, merchantName, merchantCity, amount, txid string) string {
	var b strings.Builder

	b.WriteString(emvField("00", "01")) // payload format indicator
	b.WriteString(emvField("26", emvField("00", "BR.GOV.BCB.PIX")+emvField("01", pixKey)))
	b.WriteString(emvField("52", "0000")) // merchant category code
	b.WriteString(emvField("53", "986"))  // BRL
	if amount != "" {
		b.WriteString(emvField("54", amount))
	}
	b.WriteString(emvField("58", "BR"))
	b.WriteString(emvField("59", truncate(merchantName, 25)))
	b.WriteString(emvField("60", truncate(merchantCity, 15)))
	b.WriteString(emvField("62", emvField("05", truncate(txid, 25))))

	payload := b.String() + "6304"
	return payload + fmt.Sprintf("%04X", crc16CCITT([]byte(payload)))
}

func emvField(id, value string) string {
	return fmt.Sprintf("%s%02d%s", id, len(value), value)
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// crc16CCITT computes CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF) as
// required by the EMV QR spec.
func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, d := range data {
		crc ^= uint16(d) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
