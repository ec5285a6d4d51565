// Package events decodes notifier webhook payloads into ERC-20 transfer events.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/coffee-change/internal/errors"
)

// Payload is the webhook envelope delivered by the stream notifier
type Payload struct {
	Tag       string   `json:"tag"`
	Confirmed *bool    `json:"confirmed"`
	ChainID   string   `json:"chainId"`
	Logs      []RawLog `json:"logs"`
	StreamID  string   `json:"streamId,omitempty"`
}

// RawLog is one log entry as delivered by the notifier
type RawLog struct {
	Address          string   `json:"address"`
	TransactionHash  string   `json:"transactionHash"`
	BlockNumber      Quantity `json:"blockNumber"`
	Topic0           string   `json:"topic0,omitempty"`
	Topic1           string   `json:"topic1"`
	Topic2           string   `json:"topic2"`
	Data             string   `json:"data"`
	LogIndex         Quantity `json:"logIndex"`
	TransactionIndex Quantity `json:"transactionIndex"`
}

// Quantity accepts a JSON string or number; the notifier sends both
type Quantity string

// UnmarshalJSON implements json.Unmarshaler
func (q *Quantity) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*q = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*q = Quantity(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("quantity must be a string or number: %w", err)
	}
	*q = Quantity(n.String())
	return nil
}

// PeekTag reads only the subscription tag so deliveries for other streams
// can be acknowledged before the rest of the envelope is checked. A tag that
// is not a JSON string reads as empty.
func PeekTag(body []byte) (string, error) {
	var head struct {
		Tag json.RawMessage `json:"tag"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return "", apperrors.NewValidationError("body", err.Error())
	}
	var tag string
	if err := json.Unmarshal(head.Tag, &tag); err != nil {
		return "", nil
	}
	return tag, nil
}

// ParsePayload decodes and validates the envelope. Unknown fields are
// tolerated; missing or mistyped envelope fields are validation errors.
// Problems inside individual logs are left to Decode.
func ParsePayload(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, apperrors.NewValidationError("body", err.Error())
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the required envelope fields
func (p *Payload) Validate() error {
	if strings.TrimSpace(p.Tag) == "" {
		return apperrors.NewValidationError("tag", "required")
	}
	if strings.TrimSpace(p.ChainID) == "" {
		return apperrors.NewValidationError("chainId", "required")
	}
	if p.Confirmed == nil {
		return apperrors.NewValidationError("confirmed", "required")
	}
	if p.Logs == nil {
		return apperrors.NewValidationError("logs", "required")
	}
	return nil
}

// IsConfirmed reports the envelope confirmation flag
func (p *Payload) IsConfirmed() bool {
	return p.Confirmed != nil && *p.Confirmed
}
