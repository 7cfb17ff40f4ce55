// Package format renders numbers and user text for Telegram HTML messages.
package format

import (
	"fmt"
	"html"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var printer = message.NewPrinter(language.English)

// Count groups digits, e.g. 1234567 -> "1,234,567".
func Count(n int64) string {
	return printer.Sprintf("%d", n)
}

// Money renders minor units as a grouped decimal amount followed by currency.
// minorPerUnit must be a power of ten; other values render the raw minor amount.
func Money(minor, minorPerUnit int64, currency string) string {
	scale := decimals(minorPerUnit)
	if scale < 0 {
		return strings.TrimSpace(Count(minor) + " " + currency)
	}
	value := float64(minor) / float64(minorPerUnit)
	out := printer.Sprint(number.Decimal(value, number.Scale(scale)))
	return strings.TrimSpace(out + " " + currency)
}

func decimals(per int64) int {
	if per <= 0 {
		return -1
	}
	n := 0
	for per > 1 {
		if per%10 != 0 {
			return -1
		}
		per /= 10
		n++
	}
	return n
}

// Quantity renders n with its unit name, pluralised naively.
func Quantity(n int64, unit string) string {
	if unit == "" || unit == "minor" {
		return Count(n)
	}
	if n != 1 {
		unit += "s"
	}
	return Count(n) + " " + unit
}

// Percent renders part of whole as a rounded-down percentage.
func Percent(part, whole int64) string {
	if whole <= 0 {
		return "0%"
	}
	return fmt.Sprintf("%d%%", part*100/whole)
}

// Escape escapes user-provided text for HTML parse mode.
func Escape(s string) string {
	return html.EscapeString(s)
}
