package validation

import "testing"

func TestIsValidLuhn(t *testing.T) {
	tests := []struct {
		name   string
		number string
		valid  bool
	}{
		{
			name:   "valid example 1",
			number: "79927398713",
			valid:  true,
		},
		{
			name:   "valid example 2",
			number: "4539578763621486",
			valid:  true,
		},
		{
			name:   "invalid checksum",
			number: "79927398710",
			valid:  false,
		},
		{
			name:   "contains letters",
			number: "1234a67890",
			valid:  false,
		},
		{
			name:   "empty string",
			number: "",
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidLuhn(tt.number)
			if got != tt.valid {
				t.Fatalf("IsValidLuhn(%q) = %v, want %v", tt.number, got, tt.valid)
			}
		})
	}
}

func TestLuhnCheckDigit(t *testing.T) {
	d, err := LuhnCheckDigit("7992739871")
	if err != nil {
		t.Fatalf("LuhnCheckDigit error: %v", err)
	}
	if d != '3' {
		t.Fatalf("check digit = %c, want 3", d)
	}

	if _, err := LuhnCheckDigit("12a"); err == nil {
		t.Fatalf("expected error for non-digit payload")
	}
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("GenerateCode error: %v", err)
		}
		if !IsValidCode(code) {
			t.Fatalf("generated code %q fails validation", code)
		}
		seen[code] = struct{}{}
	}
	if len(seen) < 190 {
		t.Fatalf("too many collisions: %d unique of 200", len(seen))
	}
}

func TestIsValidCode_SingleDigitTypo(t *testing.T) {
	code, err := GenerateCode()
	if err != nil {
		t.Fatalf("GenerateCode error: %v", err)
	}
	typo := []byte(code)
	typo[3] = '0' + (typo[3]-'0'+1)%10
	if IsValidCode(string(typo)) {
		t.Fatalf("single digit typo %q passed validation", typo)
	}
}

func TestNormalizeCode(t *testing.T) {
	inputs := []string{" 1234-5678 9012 ", "1234.5678.9012", "123456.789012"}
	for _, in := range inputs {
		if got := NormalizeCode(in); got != "123456789012" {
			t.Fatalf("NormalizeCode(%q) = %q", in, got)
		}
	}
}
