package types

import (
	"encoding/json"
	"testing"
)

func TestMoneyConstructors(t *testing.T) {
	tests := []struct {
		name     string
		money    Money
		amount   int64
		currency string
		display  string
	}{
		{"USD", USD(250), 250, "usd", "$2.50"},
		{"EUR", EUR(19900), 19900, "eur", "€199.00"},
		{"GBP", GBP(75), 75, "gbp", "£0.75"},
		{"JPY", JPY(100), 100, "jpy", "¥100"},
		{"CAD", CAD(2500), 2500, "cad", "C$25.00"},
		{"AUD", AUD(7550), 7550, "aud", "A$75.50"},
		{"Zero USD", Zero("USD"), 0, "usd", "$0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.money.Amount != tt.amount {
				t.Errorf("Amount: got %d, want %d", tt.money.Amount, tt.amount)
			}
			if tt.money.Currency != tt.currency {
				t.Errorf("Currency: got %s, want %s", tt.money.Currency, tt.currency)
			}
			if tt.money.String() != tt.display {
				t.Errorf("Display: got %s, want %s", tt.money.String(), tt.display)
			}
		})
	}
}

func TestMoneyArithmetic(t *testing.T) {
	if got := USD(150).Add(USD(350)); got.Amount != 500 {
		t.Errorf("Add: got %d, want 500", got.Amount)
	}
	if got := USD(3).Multiply(1000); got.Amount != 3000 {
		t.Errorf("Multiply: got %d, want 3000", got.Amount)
	}
	if got := USD(3).Multiply(0); !got.IsZero() {
		t.Errorf("Multiply by zero: got %d, want 0", got.Amount)
	}
}

func TestMoneyAddCurrencyMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Add with mismatched currencies did not panic")
		}
	}()
	USD(100).Add(EUR(100))
}

func TestMoneyComparisons(t *testing.T) {
	if !USD(0).IsZero() || USD(1).IsZero() {
		t.Error("IsZero misclassified")
	}
	if !USD(1).IsPositive() || USD(-1).IsPositive() {
		t.Error("IsPositive misclassified")
	}
	if !USD(-1).IsNegative() || USD(1).IsNegative() {
		t.Error("IsNegative misclassified")
	}
	if !USD(100).Equal(USD(100)) || USD(100).Equal(EUR(100)) {
		t.Error("Equal misclassified")
	}
}

func TestMoneyFormatMajor(t *testing.T) {
	tests := []struct {
		name  string
		money Money
		want  string
	}{
		{"two decimals", USD(4900), "49.00"},
		{"sub-unit", USD(5), "0.05"},
		{"no decimals", JPY(1200), "1200"},
		{"negative", USD(-150), "-1.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.money.FormatMajor(); got != tt.want {
				t.Errorf("FormatMajor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMoneyMarshalJSON(t *testing.T) {
	raw, err := json.Marshal(USD(4900))
	if err != nil {
		t.Fatal(err)
	}

	var decoded struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Amount != 4900 || decoded.Currency != "usd" || decoded.Display != "$49.00" {
		t.Errorf("MarshalJSON = %+v, want 4900/usd/$49.00", decoded)
	}
}

func TestSum(t *testing.T) {
	if got := Sum(USD(100), USD(200), USD(300)); got.Amount != 600 {
		t.Errorf("Sum: got %d, want 600", got.Amount)
	}
	if got := Sum(); !got.IsZero() {
		t.Errorf("Sum of nothing: got %d, want 0", got.Amount)
	}
}
