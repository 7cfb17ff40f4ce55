package settlement

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/m3rciful/fundbot/internal/campaign"
)

const (
	payloadVersion = 1
	// MaxPayloadLen is the invoice payload limit of the payment provider.
	MaxPayloadLen = 128
)

// ErrPayloadTooLong is returned when an invoice payload exceeds MaxPayloadLen.
var ErrPayloadTooLong = errors.New("settlement: invoice payload too long")

// InvoicePayload is embedded in an invoice and returned with the payment.
// It pins the campaign, cycle, quantity and the rate and price of the quote.
type InvoicePayload struct {
	Version  int    `json:"v"`
	Campaign string `json:"c"`
	// Cycle is the cycle open when the invoice was created; 0 for other kinds.
	Cycle    int    `json:"y,omitempty"`
	Quantity int64  `json:"q,omitempty"`
	Rate     string `json:"r,omitempty"`
	Minor    int64  `json:"m,omitempty"`
	Currency string `json:"k,omitempty"`
	Price    int64  `json:"p,omitempty"`
}

// NewPayload snapshots a quote into a payload. An invalid rate is left out so
// settlement falls back to the current rate.
func NewPayload(key string, cycle int, quantity int64, rate campaign.Rate, price int64) InvoicePayload {
	p := InvoicePayload{
		Version:  payloadVersion,
		Campaign: key,
		Cycle:    cycle,
		Quantity: quantity,
		Price:    price,
	}
	if rate.Valid() {
		p.Rate = rate.StarsPerUnit.String()
		p.Minor = rate.MinorPerUnit
		p.Currency = rate.Currency
	}
	return p
}

// Encode renders the payload, failing when it would not fit an invoice.
func (p InvoicePayload) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	if len(raw) > MaxPayloadLen {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(raw))
	}
	return string(raw), nil
}

// DecodePayload parses and validates a payload returned by the provider.
func DecodePayload(s string) (InvoicePayload, error) {
	var p InvoicePayload
	if len(s) == 0 || len(s) > MaxPayloadLen {
		return p, fmt.Errorf("%w: payload length %d", ErrMalformed, len(s))
	}
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case p.Version != payloadVersion:
		return p, fmt.Errorf("%w: payload version %d", ErrMalformed, p.Version)
	case p.Campaign == "":
		return p, fmt.Errorf("%w: payload without campaign", ErrMalformed)
	case p.Cycle < 0 || p.Quantity < 0 || p.Minor < 0 || p.Price < 0:
		return p, fmt.Errorf("%w: negative payload field", ErrMalformed)
	}
	if p.Rate != "" {
		if _, err := p.rate(); err != nil {
			return p, err
		}
	}
	return p, nil
}

// rate parses the embedded rate.
func (p InvoicePayload) rate() (campaign.Rate, error) {
	d, err := decimal.NewFromString(p.Rate)
	if err != nil {
		return campaign.Rate{}, fmt.Errorf("%w: rate %q", ErrMalformed, p.Rate)
	}
	r := campaign.Rate{StarsPerUnit: d, Currency: p.Currency, MinorPerUnit: p.Minor}
	if !r.Valid() {
		return campaign.Rate{}, fmt.Errorf("%w: rate %s %s/%d", ErrMalformed, p.Rate, p.Currency, p.Minor)
	}
	return r, nil
}
