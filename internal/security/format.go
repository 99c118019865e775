package security

import (
	"math"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var usdPrinter = message.NewPrinter(language.English)

// FormatUSD renders a dollar amount with thousands separators and no cents,
// e.g. 2500000 -> "$2,500,000". Negative amounts render their magnitude.
func FormatUSD(v float64) string {
	return usdPrinter.Sprintf("$%.0f", math.Abs(v))
}
