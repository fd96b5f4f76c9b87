package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestBTGVerifyWebhookSignature(t *testing.T) {
	p := NewBTGProvider("id", "secret", "whsecret", "sandbox", zap.NewNop())
	body := []byte(`{"pix":[{"txid":"abc","valor":"10.00","horario":"2026-08-01T12:00:00Z"}]}`)

	header := http.Header{}
	header.Set("X-Signature", signBody("whsecret", body))
	if !p.VerifyWebhookSignature(header, body) {
		t.Fatal("valid signature rejected")
	}

	header.Set("X-Signature", signBody("wrong-secret", body))
	if p.VerifyWebhookSignature(header, body) {
		t.Fatal("forged signature accepted")
	}

	header.Set("X-Signature", signBody("whsecret", []byte(`{"pix":[]}`)))
	if p.VerifyWebhookSignature(header, body) {
		t.Fatal("signature over different body accepted")
	}

	if p.VerifyWebhookSignature(http.Header{}, body) {
		t.Fatal("missing signature accepted")
	}
}

func TestBTGVerifyWebhookSignatureGithubStyleHeader(t *testing.T) {
	p := NewBTGProvider("id", "secret", "whsecret", "sandbox", zap.NewNop())
	body := []byte(`{"pix":[{"txid":"abc","valor":"10.00"}]}`)

	header := http.Header{}
	header.Set("X-Hub-Signature-256", "sha256="+signBody("whsecret", body))
	if !p.VerifyWebhookSignature(header, body) {
		t.Fatal("prefixed signature rejected")
	}
}

func TestBTGVerifyWebhookSignatureNoSecret(t *testing.T) {
	p := NewBTGProvider("id", "secret", "", "sandbox", zap.NewNop())
	body := []byte(`{}`)
	header := http.Header{}
	header.Set("X-Signature", signBody("", body))
	if p.VerifyWebhookSignature(header, body) {
		t.Fatal("provider without a webhook secret must reject everything")
	}
}

func TestBTGParseWebhook(t *testing.T) {
	p := NewBTGProvider("id", "secret", "whsecret", "sandbox", zap.NewNop())
	body := []byte(`{"pix":[{"txid":"tx-42","endToEndId":"E12345","valor":"150.00","horario":"2026-08-01T12:00:00Z"}]}`)

	ev, err := p.ParseWebhook(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.ProviderRef != "tx-42" {
		t.Errorf("provider ref = %q, want tx-42", ev.ProviderRef)
	}
	if ev.Kind != EventConfirmed {
		t.Errorf("kind = %q, want %q", ev.Kind, EventConfirmed)
	}
	if ev.Amount.String() != "150" {
		t.Errorf("amount = %s, want 150", ev.Amount)
	}
	if ev.EndToEndID == nil || *ev.EndToEndID != "E12345" {
		t.Errorf("end to end id not carried: %v", ev.EndToEndID)
	}
}

func TestBTGParseWebhookMalformed(t *testing.T) {
	p := NewBTGProvider("id", "secret", "whsecret", "sandbox", zap.NewNop())

	for name, body := range map[string]string{
		"not json":    `{{`,
		"no entries":  `{"pix":[]}`,
		"bad amount":  `{"pix":[{"txid":"x","valor":"abc"}]}`,
	} {
		if _, err := p.ParseWebhook([]byte(body)); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}

func TestBTGChargeToEventStatusMapping(t *testing.T) {
	p := NewBTGProvider("id", "secret", "whsecret", "sandbox", zap.NewNop())

	tests := []struct {
		status string
		kind   string
	}{
		{"ATIVA", EventPending},
		{"CONCLUIDA", EventConfirmed},
		{"REMOVIDA_PELO_USUARIO_RECEBEDOR", EventFailed},
		{"EXPIRADA", EventExpired},
	}
	for _, tt := range tests {
		ev, err := p.chargeToEvent(&btgCharge{TxID: "x", Status: tt.status, Amount: "1.00"}, nil)
		if err != nil {
			t.Fatalf("status %q: %v", tt.status, err)
		}
		if ev.Kind != tt.kind {
			t.Errorf("status %q mapped to %q, want %q", tt.status, ev.Kind, tt.kind)
		}
	}

	if _, err := p.chargeToEvent(&btgCharge{TxID: "x", Status: "WEIRD", Amount: "1.00"}, nil); err == nil {
		t.Error("unknown status should error")
	}
}

func TestBTGCreateChargeIdempotencyKeyIsStable(t *testing.T) {
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/oauth/v2/token":
			_ = json.NewEncoder(w).Encode(btgToken{AccessToken: "tok", ExpiresIn: 3600})
		case "/v1/pix/charges":
			keys = append(keys, r.Header.Get("X-Idempotency-Key"))
			_ = json.NewEncoder(w).Encode(btgCharge{
				TxID:      "tx-1",
				Status:    "ATIVA",
				PixKey:    "pix@test",
				QRCode:    "payload",
				Amount:    "100.00",
				ExpiresAt: "2026-08-01T12:00:00Z",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewBTGProvider("id", "secret", "whsecret", "sandbox", zap.NewNop())
	p.baseURL = srv.URL

	params := CreateChargeParams{
		Amount:        decimal.RequireFromString("100.00"),
		Reference:     "escrow-123",
		ExpiryMinutes: 30,
	}
	for i := 0; i < 2; i++ {
		if _, err := p.CreateCharge(context.Background(), params); err != nil {
			t.Fatalf("create charge %d: %v", i, err)
		}
	}

	if len(keys) != 2 {
		t.Fatalf("expected 2 charge requests, got %d", len(keys))
	}
	if keys[0] != "escrow-123" || keys[1] != "escrow-123" {
		t.Errorf("idempotency keys %v, want the escrow reference on both requests", keys)
	}
}
