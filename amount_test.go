package paygate

import (
	"errors"
	"testing"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int32
		want     string
		wantErr  bool
	}{
		{name: "whole USDC", amount: "1", decimals: 6, want: "1000000"},
		{name: "fractional USDC", amount: "0.10", decimals: 6, want: "100000"},
		{name: "sub-cent", amount: "0.001", decimals: 6, want: "1000"},
		{name: "eighteen decimals", amount: "1.5", decimals: 18, want: "1500000000000000000"},
		{name: "zero", amount: "0", decimals: 6, want: "0"},
		{name: "trailing zeros", amount: "2.500000", decimals: 6, want: "2500000"},
		{name: "too many places", amount: "0.0000001", decimals: 6, wantErr: true},
		{name: "negative", amount: "-1", decimals: 6, wantErr: true},
		{name: "not a number", amount: "abc", decimals: 6, wantErr: true},
		{name: "empty", amount: "", decimals: 6, wantErr: true},
		{name: "negative decimals", amount: "1", decimals: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.amount, tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAmount(%q, %d) = %q, want error", tt.amount, tt.decimals, got)
				}
				if !errors.Is(err, ErrInvalidAmount) {
					t.Errorf("error should wrap ErrInvalidAmount, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAmount(%q, %d) error: %v", tt.amount, tt.decimals, err)
			}
			if got != tt.want {
				t.Errorf("ParseAmount(%q, %d) = %q, want %q", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		atomic   string
		decimals int32
		want     string
		wantErr  bool
	}{
		{atomic: "1500000", decimals: 6, want: "1.5"},
		{atomic: "1000", decimals: 6, want: "0.001"},
		{atomic: "0", decimals: 6, want: "0"},
		{atomic: "1.5", decimals: 6, wantErr: true},
		{atomic: "-100", decimals: 6, wantErr: true},
		{atomic: "abc", decimals: 6, wantErr: true},
	}

	for _, tt := range tests {
		got, err := FormatAmount(tt.atomic, tt.decimals)
		if tt.wantErr {
			if err == nil {
				t.Errorf("FormatAmount(%q, %d) = %q, want error", tt.atomic, tt.decimals, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("FormatAmount(%q, %d) error: %v", tt.atomic, tt.decimals, err)
			continue
		}
		if got != tt.want {
			t.Errorf("FormatAmount(%q, %d) = %q, want %q", tt.atomic, tt.decimals, got, tt.want)
		}
	}
}

func TestParseAtomic(t *testing.T) {
	if v, err := ParseAtomic("1000000"); err != nil || v.String() != "1000000" {
		t.Errorf("ParseAtomic(1000000) = %v, %v", v, err)
	}

	for _, bad := range []string{"", "1.5", "-1", "0x10", "abc"} {
		if _, err := ParseAtomic(bad); err == nil {
			t.Errorf("ParseAtomic(%q) should fail", bad)
		}
	}
}
