package money_test

import (
	"errors"
	"math"
	"testing"

	"github.com/agoramarket/auction-engine/internal/money"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    money.Amount
		wantErr bool
	}{
		{in: "105", want: 10500},
		{in: "105.5", want: 10550},
		{in: "105.50", want: 10550},
		{in: "0", want: 0},
		{in: "0.01", want: 1},
		{in: ".5", want: 50},
		{in: "-3.25", want: -325},
		{in: "+7", want: 700},
		{in: " 12 ", want: 1200},
		{in: "", wantErr: true},
		{in: ".", wantErr: true},
		{in: "1.234", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "1.x", wantErr: true},
		// int64 cent boundary: 92233720368547758.07 is the largest
		// representable amount; one cent more must be rejected, not wrap.
		{in: "92233720368547758.07", want: money.Amount(math.MaxInt64)},
		{in: "92233720368547758.08", wantErr: true},
		{in: "92233720368547759", wantErr: true},
		{in: "99999999999999999999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := money.Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) = %v, want error", tt.in, got)
				}
				if !errors.Is(err, money.ErrInvalidAmount) {
					t.Errorf("Parse(%q) error = %v, want ErrInvalidAmount", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		in   money.Amount
		want string
	}{
		{in: 10500, want: "105.00"},
		{in: 10550, want: "105.50"},
		{in: 1, want: "0.01"},
		{in: 0, want: "0.00"},
		{in: -325, want: "-3.25"},
	}

	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("Amount(%d).String() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFromTokens(t *testing.T) {
	if got := money.FromTokens(100); got != 10000 {
		t.Errorf("FromTokens(100) = %d, want 10000", got)
	}
	if got := money.FromCents(42); got.Cents() != 42 {
		t.Errorf("FromCents(42).Cents() = %d, want 42", got.Cents())
	}
}

func TestSignHelpers(t *testing.T) {
	a := money.FromTokens(5)
	if !a.IsPositive() || a.IsNegative() {
		t.Errorf("FromTokens(5): IsPositive=%v IsNegative=%v", a.IsPositive(), a.IsNegative())
	}
	n := a.Neg()
	if !n.IsNegative() || n.IsPositive() {
		t.Errorf("Neg: IsPositive=%v IsNegative=%v", n.IsPositive(), n.IsNegative())
	}
	if n.Neg() != a {
		t.Errorf("double Neg != original")
	}
}
