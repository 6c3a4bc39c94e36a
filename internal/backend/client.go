package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payoutdesk/internal/adminauth"
	"payoutdesk/internal/withdrawal"
)

const payoutConfigKey = "payout_wallet"

// Client calls the backend REST API with the static admin key.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

type ClientConfig struct {
	BaseURL  string
	AdminKey string
	Timeout  time.Duration
}

func NewClient(cfg ClientConfig, log *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("backend base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &adminauth.KeyTransport{Key: cfg.AdminKey},
		},
		log: log,
	}, nil
}

func (c *Client) ListPendingWithdrawals(ctx context.Context) ([]withdrawal.Request, error) {
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/api/admin/withdrawals/pending", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]withdrawal.Request, 0, len(resp.Items))
	for _, item := range resp.Items {
		req, err := item.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (c *Client) GetWithdrawal(ctx context.Context, id string) (withdrawal.Request, error) {
	var dto withdrawalDTO
	if err := c.do(ctx, http.MethodGet, "/api/admin/withdrawals/"+url.PathEscape(id), nil, &dto); err != nil {
		return withdrawal.Request{}, err
	}
	return dto.toModel()
}

func (c *Client) RejectWithdrawal(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/admin/withdrawals/"+url.PathEscape(id)+"/reject", rejectRequest{Reason: reason}, nil)
}

func (c *Client) CompleteWithdrawal(ctx context.Context, id, txHash string) error {
	return c.do(ctx, http.MethodPost, "/api/admin/withdrawals/"+url.PathEscape(id)+"/complete", completeRequest{TxHash: txHash}, nil)
}

func (c *Client) GetPayoutConfig(ctx context.Context) (withdrawal.PayoutConfig, error) {
	dto, err := c.payoutConfig(ctx)
	if err != nil {
		return withdrawal.PayoutConfig{}, err
	}
	return dto.toModel(), nil
}

// SetPayoutAddress rewrites the stored payout config with a new address. The
// backend replaces the whole value, so the other fields are read back first.
func (c *Client) SetPayoutAddress(ctx context.Context, address string) error {
	current, err := c.payoutConfig(ctx)
	if err != nil {
		return fmt.Errorf("read payout config: %w", err)
	}
	current.Address = address
	body := map[string]interface{}{
		"value": current,
	}
	return c.do(ctx, http.MethodPut, "/api/admin/config/"+payoutConfigKey, body, nil)
}

// payoutConfig returns the stored value, or a zero DTO when none is set.
func (c *Client) payoutConfig(ctx context.Context) (payoutConfigDTO, error) {
	var env configEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/admin/config/"+payoutConfigKey, nil, &env); err != nil {
		if errors.Is(err, ErrNotFound) {
			return payoutConfigDTO{}, nil
		}
		return payoutConfigDTO{}, err
	}
	dto, err := decodePayoutConfig(env.Value)
	if errors.Is(err, ErrEmptyConfig) {
		return payoutConfigDTO{}, nil
	}
	return dto, err
}

func (c *Client) GetTokenContract(ctx context.Context) (withdrawal.TokenContract, error) {
	var dto tokenContractDTO
	if err := c.do(ctx, http.MethodGet, "/api/admin/token-contract", nil, &dto); err != nil {
		return withdrawal.TokenContract{}, err
	}
	return withdrawal.TokenContract{Address: dto.Address, Decimals: dto.Decimals, Symbol: dto.Symbol}, nil
}

func (c *Client) GetWalletBalance(ctx context.Context) (decimal.Decimal, error) {
	var resp balanceResponse
	if err := c.do(ctx, http.MethodGet, "/api/admin/wallet/usdt-balance", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Balance, nil
}

// Ping checks that the backend answers with the configured key.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetTokenContract(ctx)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.log.Warn("backend refused admin key", zap.String("path", path), zap.Int("status", resp.StatusCode))
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &APIError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var e errorResponse
	if json.Unmarshal(raw, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
