package payment

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestBuildPixPayloadCRC(t *testing.T) {
	payload := BuildPixPayload("chave@rioporto.com", "RioPorto P2P", "Rio de Janeiro", "150.00", "TX123")

	// CRC field is always the last 8 characters: "6304" + 4 hex digits.
	if len(payload) < 8 {
		t.Fatalf("payload too short: %q", payload)
	}
	body, crc := payload[:len(payload)-4], payload[len(payload)-4:]
	if !strings.HasSuffix(body, "6304") {
		t.Fatalf("payload missing CRC field tag: %q", payload)
	}
	want := crc16CCITT([]byte(body))
	got, err := strconv.ParseUint(crc, 16, 16)
	if err != nil {
		t.Fatalf("CRC trailer is not hex: %q", crc)
	}
	if uint16(got) != want {
		t.Errorf("CRC mismatch: payload carries %04X, computed %04X", got, want)
	}
}

func TestBuildPixPayloadFields(t *testing.T) {
	payload := BuildPixPayload("11999887766", "RioPorto P2P", "Rio de Janeiro", "99.90", "ORDER42")

	for _, want := range []string{
		"000201",          // payload format indicator
		"BR.GOV.BCB.PIX",  // PIX GUI
		"11999887766",     // key
		"5303986",         // BRL currency
		"540599.90",       // amount
		"5802BR",          // country
		"RioPorto P2P",    // merchant name
		"Rio de Janeiro",  // city
		"0507ORDER42",     // txid
	} {
		if !strings.Contains(payload, want) {
			t.Errorf("payload missing %q: %s", want, payload)
		}
	}
}

func TestBuildPixPayloadTruncatesLongFields(t *testing.T) {
	longName := strings.Repeat("A", 60)
	payload := BuildPixPayload("key", longName, "City", "1.00", strings.Repeat("B", 40))

	if strings.Contains(payload, longName) {
		t.Error("merchant name should be truncated to 25 characters")
	}
	if !strings.Contains(payload, strings.Repeat("A", 25)) {
		t.Error("truncated merchant name missing")
	}
}

func TestManualProviderCreateCharge(t *testing.T) {
	p := NewManualProvider("pix@rioporto.com", "RioPorto P2P", "Rio de Janeiro")

	charge, err := p.CreateCharge(context.Background(), CreateChargeParams{
		Amount:        decimal.RequireFromString("250.50"),
		Reference:     "abc-123",
		ExpiryMinutes: 15,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if charge.ProviderRef != "manual:abc-123" {
		t.Errorf("unexpected provider ref %q", charge.ProviderRef)
	}
	if charge.PixKey != "pix@rioporto.com" {
		t.Errorf("unexpected pix key %q", charge.PixKey)
	}
	if !strings.Contains(charge.QRCodePayload, "250.50") {
		t.Errorf("payload missing amount: %s", charge.QRCodePayload)
	}
}

func TestManualProviderCreateChargeWithoutKey(t *testing.T) {
	p := NewManualProvider("", "RioPorto P2P", "Rio de Janeiro")
	if _, err := p.CreateCharge(context.Background(), CreateChargeParams{Amount: decimal.New(1, 0), Reference: "x"}); err == nil {
		t.Fatal("expected error without a configured PIX key")
	}
}

func TestManualProviderHasNoStatusSource(t *testing.T) {
	p := NewManualProvider("key", "n", "c")

	if _, err := p.GetStatus(context.Background(), "manual:x"); !errors.Is(err, ErrStatusUnavailable) {
		t.Fatalf("expected ErrStatusUnavailable, got %v", err)
	}
	if p.SignsWebhooks() {
		t.Error("manual provider must not claim signed webhooks")
	}
	if p.VerifyWebhookSignature(nil, nil) {
		t.Error("manual provider must never verify a signature")
	}
}
