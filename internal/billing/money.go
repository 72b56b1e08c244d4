package billing

import "strings"

// zeroDecimal lists the currencies the payment provider bills in whole units.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true,
	"jpy": true, "kmf": true, "krw": true, "mga": true,
	"pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// MajorUnits converts a provider amount in the currency's smallest unit.
func MajorUnits(amount int64, currency string) float64 {
	if zeroDecimal[strings.ToLower(strings.TrimSpace(currency))] {
		return float64(amount)
	}
	return float64(amount) / 100
}
