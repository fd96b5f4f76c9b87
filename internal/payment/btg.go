package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	btgProductionURL = "https://api.empresas.btgpactual.com"
	btgSandboxURL    = "https://api-sandbox.empresas.btgpactual.com"
)

// BTGProvider talks to the BTG Pactual Empresas PIX API. Webhooks are signed
// with HMAC-SHA256 over the raw body using the configured webhook secret.
type BTGProvider struct {
	clientID      string
	clientSecret  string
	webhookSecret string
	baseURL       string
	httpClient    *http.Client
	log           *zap.Logger

	mu             sync.Mutex
	token          string
	tokenExpiresAt time.Time
}

func NewBTGProvider(clientID, clientSecret, webhookSecret, environment string, log *zap.Logger) *BTGProvider {
	baseURL := btgSandboxURL
	if environment == "production" {
		baseURL = btgProductionURL
	}
	return &BTGProvider{
		clientID:      clientID,
		clientSecret:  clientSecret,
		webhookSecret: webhookSecret,
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		log:           log,
	}
}

func (p *BTGProvider) Name() string { return "btg" }

func (p *BTGProvider) SignsWebhooks() bool { return true }

type btgToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (p *BTGProvider) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.tokenExpiresAt) {
		return p.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}, "scope": {"pix.read pix.write"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/auth/oauth/v2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(p.clientID + ":" + p.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", mapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("btg auth returned %d: %s", resp.StatusCode, string(body))
	}

	var tok btgToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", err
	}

	p.token = tok.AccessToken
	// Renew one minute early to avoid using a token that expires in flight.
	p.tokenExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return p.token, nil
}

type btgCharge struct {
	TxID      string `json:"txid"`
	Status    string `json:"status"`
	PixKey    string `json:"pix_key"`
	QRCode    string `json:"qr_code_text"`
	Amount    string `json:"amount"`
	PaidAt    string `json:"paid_at,omitempty"`
	E2EID     string `json:"end_to_end_id,omitempty"`
	ExpiresAt string `json:"expires_at"`
}

func (p *BTGProvider) CreateCharge(ctx context.Context, params CreateChargeParams) (*Charge, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	expiry := params.ExpiryMinutes
	if expiry <= 0 {
		expiry = 30
	}

	body, _ := json.Marshal(map[string]any{
		"amount":             params.Amount.StringFixed(2),
		"description":        "P2P escrow " + params.Reference,
		"external_reference": params.Reference,
		"payer_name":         params.PayerName,
		"expiration_seconds": expiry * 60,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/pix/charges", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	// Keyed on the escrow id alone so concurrent or retried creates for the
	// same transaction collapse to one charge at the provider.
	req.Header.Set("X-Idempotency-Key", params.Reference)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, mapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("btg create charge returned %d: %s", resp.StatusCode, string(b))
	}

	var c btgCharge
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return nil, err
	}

	expiresAt, _ := time.Parse(time.RFC3339, c.ExpiresAt)
	return &Charge{
		ProviderRef:   c.TxID,
		PixKey:        c.PixKey,
		QRCodePayload: c.QRCode,
		ExpiresAt:     expiresAt,
		Provider:      p.Name(),
	}, nil
}

func (p *BTGProvider) GetStatus(ctx context.Context, providerRef string) (*Event, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/pix/charges/"+url.PathEscape(providerRef), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, mapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("btg get status returned %d: %s", resp.StatusCode, string(b))
	}

	var c btgCharge
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return nil, err
	}
	return p.chargeToEvent(&c, nil)
}

type btgWebhook struct {
	Pix []struct {
		TxID       string `json:"txid"`
		EndToEndID string `json:"endToEndId"`
		Amount     string `json:"valor"`
		PaidAt     string `json:"horario"`
	} `json:"pix"`
}

// ParseWebhook normalizes the BTG payment notification. BTG only notifies on
// settled payments, so the implied kind is always confirmed.
func (p *BTGProvider) ParseWebhook(rawBody []byte) (*Event, error) {
	var wh btgWebhook
	if err := json.Unmarshal(rawBody, &wh); err != nil {
		return nil, fmt.Errorf("malformed btg webhook: %w", err)
	}
	if len(wh.Pix) == 0 {
		return nil, fmt.Errorf("btg webhook carries no pix entries")
	}

	entry := wh.Pix[0]
	amount, err := decimal.NewFromString(entry.Amount)
	if err != nil {
		return nil, fmt.Errorf("btg webhook amount %q: %w", entry.Amount, err)
	}
	occurredAt, err := time.Parse(time.RFC3339, entry.PaidAt)
	if err != nil {
		occurredAt = time.Now()
	}

	ev := &Event{
		ProviderRef: entry.TxID,
		Kind:        EventConfirmed,
		Amount:      amount,
		OccurredAt:  occurredAt,
		Raw:         rawBody,
	}
	if entry.EndToEndID != "" {
		e2e := entry.EndToEndID
		ev.EndToEndID = &e2e
	}
	return ev, nil
}

func (p *BTGProvider) VerifyWebhookSignature(header http.Header, rawBody []byte) bool {
	if p.webhookSecret == "" {
		return false
	}
	sig := header.Get("X-Signature")
	if sig == "" {
		sig = header.Get("X-Hub-Signature-256")
	}
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(p.webhookSecret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

func (p *BTGProvider) chargeToEvent(c *btgCharge, raw []byte) (*Event, error) {
	amount, err := decimal.NewFromString(c.Amount)
	if err != nil {
		return nil, fmt.Errorf("btg amount %q: %w", c.Amount, err)
	}

	var kind string
	switch c.Status {
	case "ATIVA", "pending":
		kind = EventPending
	case "CONCLUIDA", "completed", "paid":
		kind = EventConfirmed
	case "REMOVIDA_PELO_USUARIO_RECEBEDOR", "cancelled", "failed":
		kind = EventFailed
	case "EXPIRADA", "expired":
		kind = EventExpired
	default:
		return nil, fmt.Errorf("unknown btg charge status %q", c.Status)
	}

	occurredAt := time.Now()
	if c.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, c.PaidAt); err == nil {
			occurredAt = t
		}
	}

	ev := &Event{ProviderRef: c.TxID, Kind: kind, Amount: amount, OccurredAt: occurredAt, Raw: raw}
	if c.E2EID != "" {
		e2e := c.E2EID
		ev.EndToEndID = &e2e
	}
	return ev, nil
}

func mapTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return ErrTimeout
	}
	return err
}
