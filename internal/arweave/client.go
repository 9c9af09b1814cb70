// Package arweave implements the storage-network primitives the writer
// needs: JWK wallets, ANS-104 data items and bundles, format-2 data
// transactions and an HTTP client for gateway and bundler nodes.
package arweave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

var (
	ErrPaymentRequired = errors.New("arweave: payment required")
	ErrTxNotFound      = errors.New("arweave: transaction not found")
)

// GatewayError is a non-2xx response from a gateway or bundler node.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("arweave: gateway returned %d: %s", e.StatusCode, e.Body)
}

// Is maps well-known status codes onto sentinel errors.
func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrPaymentRequired:
		return e.StatusCode == http.StatusPaymentRequired
	case ErrTxNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// winstonPerAR is the subdivision of one AR token.
var winstonPerAR = new(big.Float).SetFloat64(1e12)

// WinstonToAR converts a winston amount to AR as float64, which is precise
// enough for threshold comparison.
func WinstonToAR(winston *big.Int) float64 {
	ar, _ := new(big.Float).Quo(new(big.Float).SetInt(winston), winstonPerAR).Float64()
	return ar
}

// TxStatus reports where a transaction sits on the network.
type TxStatus struct {
	BlockHeight    int64  `json:"block_height"`
	BlockIndepHash string `json:"block_indep_hash"`
	Confirmations  int64  `json:"number_of_confirmations"`
	Pending        bool   `json:"-"`
}

// Client talks to an Arweave gateway and, in direct-upload deployments,
// a bundler node that accepts raw data items.
type Client struct {
	httpClient *http.Client
	gatewayURL string
	bundlerURL string
}

// NewClient creates a gateway client. Per-call deadlines come from the
// caller's context; the client timeout is a backstop.
func NewClient(gatewayURL, bundlerURL string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second, Transport: transport},
		gatewayURL: strings.TrimSuffix(gatewayURL, "/"),
		bundlerURL: strings.TrimSuffix(bundlerURL, "/"),
	}
}

// TxAnchor fetches the anchor value new transactions must reference.
func (c *Client) TxAnchor(ctx context.Context) (string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, c.gatewayURL+"/tx_anchor", "", nil)
	if err != nil {
		return "", fmt.Errorf("failed to fetch tx anchor: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// Price quotes the winston reward for storing numBytes.
func (c *Client) Price(ctx context.Context, numBytes int) (string, error) {
	url := fmt.Sprintf("%s/price/%d", c.gatewayURL, numBytes)
	body, err := c.doRequest(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return "", fmt.Errorf("failed to fetch price for %d bytes: %w", numBytes, err)
	}
	return strings.TrimSpace(string(body)), nil
}

// Balance returns the spendable winston balance of a wallet address.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	url := fmt.Sprintf("%s/wallet/%s/balance", c.gatewayURL, address)
	body, err := c.doRequest(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balance: %w", err)
	}
	winston, ok := new(big.Int).SetString(strings.TrimSpace(string(body)), 10)
	if !ok {
		return nil, fmt.Errorf("invalid balance response %q", string(body))
	}
	return winston, nil
}

// SubmitTransaction posts a signed transaction to the gateway.
func (c *Client) SubmitTransaction(ctx context.Context, tx *Transaction) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	_, err = c.doRequest(ctx, http.MethodPost, c.gatewayURL+"/tx", "application/json", payload)
	if err != nil {
		return fmt.Errorf("failed to submit transaction %s: %w", tx.ID, err)
	}
	return nil
}

// TransactionStatus queries seeding progress for a transaction id.
// A 202 means accepted but not yet in a block.
func (c *Client) TransactionStatus(ctx context.Context, id string) (*TxStatus, error) {
	url := fmt.Sprintf("%s/tx/%s/status", c.gatewayURL, id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query tx status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read tx status: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var status TxStatus
		if err := json.Unmarshal(body, &status); err != nil {
			return nil, fmt.Errorf("invalid tx status response: %w", err)
		}
		return &status, nil
	case resp.StatusCode == http.StatusAccepted:
		return &TxStatus{Pending: true}, nil
	default:
		return nil, &GatewayError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}
}

// SubmitItem posts a raw signed data item to the bundler node.
// A 402 response surfaces as ErrPaymentRequired and must not be retried.
func (c *Client) SubmitItem(ctx context.Context, raw []byte) error {
	if c.bundlerURL == "" {
		return errors.New("arweave: no bundler node configured")
	}
	_, err := c.doRequest(ctx, http.MethodPost, c.bundlerURL+"/tx", "application/octet-stream", raw)
	if err != nil {
		return fmt.Errorf("failed to submit data item: %w", err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, url, contentType string, payload []byte) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &GatewayError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
