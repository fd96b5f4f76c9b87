package dto

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TwoFactorCodeRequest struct {
	Code string `json:"code"`
}

type DisableTwoFactorRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

type CreateEscrowRequest struct {
	BuyerID        string `json:"buyer_id"`
	SellerID       string `json:"seller_id"`
	CryptoCurrency string `json:"crypto_currency"`
	CryptoAmount   string `json:"crypto_amount"`
	FiatAmount     string `json:"fiat_amount"`
	ExpiryMinutes  int    `json:"expiry_minutes"`
}

type FundEscrowRequest struct {
	EscrowAddress  string `json:"escrow_address"`
	ObservedAmount string `json:"observed_amount"`
}

type OpenDisputeRequest struct {
	Reason string `json:"reason"`
}

type ResolveDisputeRequest struct {
	Outcome string `json:"outcome"` // release | refund
}
