package persistence

import "github.com/shopspring/decimal"

// trimNumeric normalizes a NUMERIC(78,18) text value ("4.000000000000000000")
// to the shortest decimal form ("4").
func trimNumeric(s string) string {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return s
	}
	return d.String()
}
