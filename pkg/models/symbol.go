package models

import (
	"fmt"
	"strings"
)

// Symbol identifies an exchange-listed instrument, e.g. "SHSE.600000".
type Symbol struct {
	Exchange    string `json:"exchange"`
	Code        string `json:"code"`
	Name        string `json:"name,omitempty"`
	ListingDate string `json:"listing_date,omitempty"`
}

// ParseSymbol splits an exchange-qualified identifier of the form
// "EXCHANGE.CODE" into a Symbol.
func ParseSymbol(s string) (Symbol, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Symbol{}, fmt.Errorf("invalid symbol %q: want EXCHANGE.CODE", s)
	}
	return Symbol{Exchange: parts[0], Code: parts[1]}, nil
}

// String returns the exchange-qualified identifier.
func (s Symbol) String() string {
	return s.Exchange + "." + s.Code
}

// FileStem returns the identifier with the dot replaced, safe for file names.
func (s Symbol) FileStem() string {
	return s.Exchange + "_" + s.Code
}
