package format

import "testing"

func TestCount(t *testing.T) {
	if got := Count(1234567); got != "1,234,567" {
		t.Fatalf("Count = %q", got)
	}
	if got := Count(7); got != "7" {
		t.Fatalf("Count = %q", got)
	}
}

func TestMoney(t *testing.T) {
	if got := Money(123450, 100, "EUR"); got != "1,234.50 EUR" {
		t.Fatalf("Money = %q", got)
	}
	if got := Money(25, 3, "X"); got != "25 X" {
		t.Fatalf("Money with odd minor = %q", got)
	}
}

func TestQuantityPercentEscape(t *testing.T) {
	if got := Quantity(3, "liter"); got != "3 liters" {
		t.Fatalf("Quantity = %q", got)
	}
	if got := Quantity(1, "portion"); got != "1 portion" {
		t.Fatalf("Quantity = %q", got)
	}
	if got := Quantity(150, "minor"); got != "150" {
		t.Fatalf("Quantity minor = %q", got)
	}
	if got := Percent(30, 100); got != "30%" {
		t.Fatalf("Percent = %q", got)
	}
	if got := Percent(1, 0); got != "0%" {
		t.Fatalf("Percent zero = %q", got)
	}
	if got := Escape("<b>Ali & co</b>"); got != "&lt;b&gt;Ali &amp; co&lt;/b&gt;" {
		t.Fatalf("Escape = %q", got)
	}
}
