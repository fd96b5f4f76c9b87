package dto

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type AuthResponse struct {
	Token            string `json:"token"`
	TwoFactorPending bool   `json:"two_factor_pending,omitempty"`
	User             any    `json:"user,omitempty"`
}

type TwoFactorSetupResponse struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
}

type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

type PaymentInfoResponse struct {
	EscrowID   string `json:"escrow_id"`
	Provider   string `json:"provider"`
	PixKey     string `json:"pix_key"`
	QRPayload  string `json:"qr_payload"`
	FiatAmount string `json:"fiat_amount"`
	Status     string `json:"status"`
}
