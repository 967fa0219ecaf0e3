package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Product struct {
	ID       ExternalID `json:"id"`
	SellerID ExternalID `json:"seller_id"`
	Name     string     `json:"name"`
}

// ExternalID accepts ids encoded either as JSON strings or numbers, since the
// product service and browser clients are not consistent about it.
type ExternalID string

func (id *ExternalID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ExternalID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ExternalID(n.String())
	return nil
}

func (id ExternalID) String() string {
	return string(id)
}
