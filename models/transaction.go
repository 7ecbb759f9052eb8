package models

import "time"

type TransactionStatus string

const (
	StatusCreated       TransactionStatus = "CREATED"
	StatusInProgress    TransactionStatus = "IN_PROGRESS"
	StatusReady         TransactionStatus = "READY"
	StatusCanceled      TransactionStatus = "CANCELED"
	StatusExpired       TransactionStatus = "EXPIRED"
	StatusDispute       TransactionStatus = "DISPUTE"
	StatusPaused        TransactionStatus = "PAUSED"
	StatusFundsReturned TransactionStatus = "FUNDS_RETURNED"
)

type Requisites struct {
	ID            string `json:"id"`
	BankType      string `json:"bankType"`
	CardNumber    string `json:"cardNumber"`
	RecipientName string `json:"recipientName"`
	TraderName    string `json:"traderName"`
}

// CardSuffix returns the last four digits of the card number.
func (r Requisites) CardSuffix() string {
	if len(r.CardNumber) <= 4 {
		return r.CardNumber
	}
	return r.CardNumber[len(r.CardNumber)-4:]
}

type PaymentMethod struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Currency string `json:"currency"`
}

type Transaction struct {
	ID         string            `json:"id"`
	NumericID  uint64            `json:"numericId"`
	OrderID    string            `json:"orderId"`
	Amount     float64           `json:"amount"`
	Crypto     *float64          `json:"crypto,omitempty"`
	Status     TransactionStatus `json:"status"`
	TraderID   string            `json:"traderId,omitempty"`
	Requisites *Requisites       `json:"requisites,omitempty"`
	CreatedAt  string            `json:"createdAt"`
	UpdatedAt  string            `json:"updatedAt"`
	ExpiredAt  string            `json:"expired_at"`
	Method     *PaymentMethod    `json:"method,omitempty"`
	IsMock     bool              `json:"is_mock"`
	MethodID   string            `json:"methodId"`
	Rate       float64           `json:"rate"`
}

type TransactionRequest struct {
	Amount      float64 `json:"amount"`
	OrderID     string  `json:"orderId"`
	MethodID    string  `json:"methodId"`
	Rate        float64 `json:"rate"`
	ExpiredAt   string  `json:"expired_at"`
	UserIP      string  `json:"user_ip,omitempty"`
	UserID      string  `json:"user_id,omitempty"`
	Type        string  `json:"type,omitempty"`
	CallbackURI string  `json:"callback_uri,omitempty"`
	IsMock      bool    `json:"is_mock"`
}

// TransactionHistory records one create-transaction attempt, successful or not.
type TransactionHistory struct {
	MerchantID     string             `json:"merchant_id"`
	Transaction    Transaction        `json:"transaction"`
	RequestTime    time.Time          `json:"request_time"`
	ResponseTime   time.Time          `json:"response_time"`
	Request        TransactionRequest `json:"request_body"`
	ResponseStatus int                `json:"response_status"`
	Error          string             `json:"error,omitempty"`
}

func (h TransactionHistory) Failed() bool {
	return h.Error != ""
}

// Callback is an inbound status notification from the backend.
type Callback struct {
	MerchantID string    `json:"-"`
	ID         string    `json:"id"`
	OrderID    string    `json:"orderId,omitempty"`
	Status     string    `json:"status"`
	Amount     float64   `json:"amount,omitempty"`
	ReceivedAt time.Time `json:"-"`
}
