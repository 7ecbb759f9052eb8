package api

import (
	"context"
	"net/http"
	"net/url"

	"payment_emulator/models"
)

type MerchantInfo struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	BalanceUSDT float64 `json:"balanceUsdt"`
}

// ConnectMerchant verifies an api key and returns the merchant it belongs to.
func (c *Client) ConnectMerchant(ctx context.Context, apiKey string) (MerchantInfo, error) {
	var info MerchantInfo
	_, err := c.do(ctx, request{method: http.MethodGet, path: "/merchant/connect", headers: merchantHeader(apiKey)}, &info)
	return info, err
}

func (c *Client) Balance(ctx context.Context, apiKey string) (float64, error) {
	var resp struct {
		BalanceUSDT float64 `json:"balanceUsdt"`
	}
	_, err := c.do(ctx, request{method: http.MethodGet, path: "/merchant/balance", headers: merchantHeader(apiKey)}, &resp)
	return resp.BalanceUSDT, err
}

func (c *Client) Methods(ctx context.Context, apiKey string) ([]models.PaymentMethod, error) {
	var methods []models.PaymentMethod
	_, err := c.do(ctx, request{method: http.MethodGet, path: "/merchant/methods", headers: merchantHeader(apiKey)}, &methods)
	return methods, err
}

// CreateTransaction returns the created transaction and the HTTP status of the
// attempt, which is non-zero even when the backend rejected it.
func (c *Client) CreateTransaction(ctx context.Context, apiKey string, req models.TransactionRequest) (models.Transaction, int, error) {
	var tx models.Transaction
	status, err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/merchant/transactions/create",
		headers: merchantHeader(apiKey),
		body:    req,
	}, &tx)
	return tx, status, err
}

func (c *Client) GetTransaction(ctx context.Context, apiKey, orderID string) (models.Transaction, error) {
	var tx models.Transaction
	_, err := c.do(ctx, request{
		method:  http.MethodGet,
		path:    "/merchant/transactions?orderId=" + url.QueryEscape(orderID),
		headers: merchantHeader(apiKey),
	}, &tx)
	return tx, err
}
