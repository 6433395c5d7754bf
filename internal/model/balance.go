package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrMalformedBalance is returned when a stored balance is neither a number
// nor a balance object.
var ErrMalformedBalance = errors.New("model: malformed balance")

// DecodeBalance reads a stored balance document. Older user records hold the
// balance as a bare number N; those decode to {available: N, frozen: 0} and
// legacy is reported true. This is the only place the legacy form is known.
func DecodeBalance(raw []byte) (b Balance, legacy bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Balance{Available: decimal.Zero, Frozen: decimal.Zero}, false, nil
	}

	if raw[0] == '{' {
		var doc struct {
			Available *decimal.Decimal `json:"available"`
			Frozen    *decimal.Decimal `json:"frozen"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return Balance{}, false, fmt.Errorf("%w: %v", ErrMalformedBalance, err)
		}
		b = Balance{Available: decimal.Zero, Frozen: decimal.Zero}
		if doc.Available != nil {
			b.Available = *doc.Available
		}
		if doc.Frozen != nil {
			b.Frozen = *doc.Frozen
		}
		return b, false, nil
	}

	// Legacy: a bare JSON number, or a quoted numeric string.
	var n decimal.Decimal
	if err := n.UnmarshalJSON(raw); err != nil {
		return Balance{}, false, fmt.Errorf("%w: %v", ErrMalformedBalance, err)
	}
	return Balance{Available: n, Frozen: decimal.Zero}, true, nil
}

// EncodeBalance writes the structured balance document.
func EncodeBalance(b Balance) ([]byte, error) {
	return json.Marshal(b)
}
