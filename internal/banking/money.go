package banking

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
}

var printer = message.NewPrinter(language.English)

// FormatMoney renders minor units as a grouped amount with a currency
// symbol, e.g. -$1,234.50.
func FormatMoney(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	cur := strings.ToUpper(strings.TrimSpace(currency))
	amount := printer.Sprint(number.Decimal(float64(minor)/100, number.Scale(2)))
	if sym, ok := currencySymbols[cur]; ok {
		return sign + sym + amount
	}
	if cur == "" {
		return sign + amount
	}
	return sign + amount + " " + cur
}
