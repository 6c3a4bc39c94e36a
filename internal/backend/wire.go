package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"payoutdesk/internal/withdrawal"
)

type withdrawalDTO struct {
	ID           string              `json:"id"`
	Address      string              `json:"address"`
	Amount       decimal.Decimal     `json:"amount"`
	Status       string              `json:"status"`
	LockedAmount decimal.NullDecimal `json:"locked_amount"`
	RiskAlert    bool                `json:"risk_alert"`
	TxHash       string              `json:"tx_hash"`
	CreatedAt    time.Time           `json:"created_at"`
}

func (d withdrawalDTO) toModel() (withdrawal.Request, error) {
	status, err := withdrawal.ParseStatus(d.Status)
	if err != nil {
		return withdrawal.Request{}, fmt.Errorf("withdrawal %s: %w", d.ID, err)
	}
	req := withdrawal.Request{
		ID:        d.ID,
		Address:   d.Address,
		Amount:    d.Amount,
		Status:    status,
		RiskAlert: d.RiskAlert,
		TxHash:    d.TxHash,
		CreatedAt: d.CreatedAt,
	}
	if d.LockedAmount.Valid {
		locked := d.LockedAmount.Decimal
		req.LockedAmount = &locked
	}
	return req, nil
}

type listResponse struct {
	Items []withdrawalDTO `json:"items"`
}

type configEnvelope struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type payoutConfigDTO struct {
	Address             string              `json:"address"`
	AutoPayoutThreshold decimal.NullDecimal `json:"auto_payout_threshold,omitzero"`
}

func (d payoutConfigDTO) toModel() withdrawal.PayoutConfig {
	cfg := withdrawal.PayoutConfig{Address: strings.TrimSpace(d.Address)}
	if d.AutoPayoutThreshold.Valid {
		cfg.AutoPayoutThreshold = d.AutoPayoutThreshold.Decimal
	}
	return cfg
}

type tokenContractDTO struct {
	Address  string `json:"address"`
	Decimals int32  `json:"decimals"`
	Symbol   string `json:"symbol"`
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

type completeRequest struct {
	TxHash string `json:"tx_hash"`
}

type rejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// decodeConfigValue accepts a config value sent either as a JSON object or as
// a JSON string that itself holds the object, and decodes it into out.
// It returns the bare string when the value is a string that is not JSON.
func decodeConfigValue(raw json.RawMessage, out interface{}) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ErrEmptyConfig
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return "", fmt.Errorf("decode config string: %w", err)
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			return "", ErrEmptyConfig
		}
		if !strings.HasPrefix(inner, "{") {
			return inner, nil
		}
		raw = json.RawMessage(inner)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return "", fmt.Errorf("decode config object: %w", err)
	}
	return "", nil
}

// decodePayoutConfig accepts every stored shape of the payout config value.
func decodePayoutConfig(raw json.RawMessage) (payoutConfigDTO, error) {
	var dto payoutConfigDTO
	bare, err := decodeConfigValue(raw, &dto)
	if err != nil {
		return payoutConfigDTO{}, err
	}
	if bare != "" {
		dto.Address = bare
	}
	return dto, nil
}
