package validation

import (
	"testing"
)

func TestIsValidSessionID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"0123456789abcdef0123456789abcdef", true},
		{"ffffffffffffffffffffffffffffffff", true},

		// Invalid cases
		{"0123456789ABCDEF0123456789abcdef", false}, // uppercase
		{"0123456789abcdef", false},                 // too short
		{"0123456789abcdef0123456789abcdef00", false}, // too long
		{"", false},
		{"not-hex-at-all-not-hex-at-all-zz", false},
	}

	for _, tc := range tests {
		result := IsValidSessionID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidSessionID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errors := Validate(
		Required("name", "John"),
		ValidSessionID("sessionId", "0123456789abcdef0123456789abcdef"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	errors = Validate(
		Required("name", ""),
		ValidSessionID("sessionId", "invalid"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestValidQuantity(t *testing.T) {
	tests := []struct {
		value int
		valid bool
	}{
		{1, true},
		{20, true},
		{10, true},
		{0, false},
		{21, false},
		{-1, false},
	}

	for _, tc := range tests {
		err := ValidQuantity("quantity", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidQuantity(%d) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
