package exec

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// CLOBClient submits real orders to the venue's CLOB API. It exists for
// LIVE mode only; the engine wires the paper executor by default and no
// test exercises this path.
type CLOBClient struct {
	http       *resty.Client
	privateKey *ecdsa.PrivateKey
	address    string
	apiKey     string
	apiSecret  string
	passphrase string
}

// NewCLOBClient builds the signing client. privateKeyHex may be empty when
// pre-derived API credentials are supplied.
func NewCLOBClient(baseURL, apiKey, apiSecret, passphrase, privateKeyHex string, timeout time.Duration) (*CLOBClient, error) {
	c := &CLOBClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
	}

	if privateKeyHex != "" {
		pk, err := crypto.HexToECDSA(privateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.privateKey = pk
		c.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	}

	log.Info().Str("address", c.address).Msg("CLOB client initialized")
	return c, nil
}

// PlaceOrder submits a limit order and returns the venue order id.
func (c *CLOBClient) PlaceOrder(tokenID string, price, size decimal.Decimal, side string) (string, error) {
	order := map[string]interface{}{
		"tokenID":    tokenID,
		"price":      price.String(),
		"size":       size.String(),
		"side":       side,
		"expiration": time.Now().Add(24 * time.Hour).Unix(),
		"nonce":      time.Now().UnixNano(),
		"feeRateBps": "0",
	}

	sig, err := c.signOrder(order)
	if err != nil {
		return "", fmt.Errorf("signing failed: %w", err)
	}
	order["signature"] = sig

	var result struct {
		OrderID string `json:"orderID"`
		Status  string `json:"status"`
		Error   string `json:"error"`
	}
	resp, err := c.http.R().
		SetHeaders(c.authHeaders("POST", "/order")).
		SetBody(order).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("clob: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Error != "" {
		return "", fmt.Errorf("clob: %s", result.Error)
	}
	return result.OrderID, nil
}

// CancelOrder cancels a live order.
func (c *CLOBClient) CancelOrder(orderID string) error {
	resp, err := c.http.R().
		SetHeaders(c.authHeaders("DELETE", "/order/"+orderID)).
		Delete("/order/" + orderID)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("clob: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// GetBalance returns the USDC balance.
func (c *CLOBClient) GetBalance() (decimal.Decimal, error) {
	var result struct {
		Balance string `json:"balance"`
	}
	resp, err := c.http.R().
		SetHeaders(c.authHeaders("GET", "/balance")).
		SetResult(&result).
		Get("/balance")
	if err != nil {
		return decimal.Zero, err
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("clob: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	balance, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	return balance, nil
}

func (c *CLOBClient) authHeaders(method, path string) map[string]string {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	h := map[string]string{
		"POLY_API_KEY":    c.apiKey,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": c.passphrase,
	}
	if c.apiSecret != "" {
		hash := crypto.Keccak256([]byte(ts + method + path + c.apiSecret))
		h["POLY_SIGNATURE"] = hexutil.Encode(hash)
	}
	return h
}

func (c *CLOBClient) signOrder(order map[string]interface{}) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}
	payload, err := json.Marshal(order)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(crypto.Keccak256(payload), c.privateKey)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}
