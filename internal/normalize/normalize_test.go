package normalize

import "testing"

func TestPhone(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"(415) 555-1234", "+14155551234"},
		{"415-555-1234", "+14155551234"},
		{"415.555.1234", "+14155551234"},
		{"+1 415 555 1234", "+14155551234"},
		{"1-415-555-1234", "+14155551234"},
		{"+44 20 7946 0958", "+442079460958"},
		{"5551234", "+5551234"},
		{"  4155551234  ", "+14155551234"},
		// Unparseable input comes back unchanged
		{"", ""},
		{"abc", "abc"},
		{"12345", "12345"},
		{"   ", "   "},
	}

	for _, test := range tests {
		if got := Phone(test.input); got != test.expected {
			t.Errorf("Phone(%q) = %q, expected %q", test.input, got, test.expected)
		}
	}
}

func TestPhoneIdempotent(t *testing.T) {
	inputs := []string{"(415) 555-1234", "+442079460958", "4155551234"}
	for _, input := range inputs {
		once := Phone(input)
		twice := Phone(once)
		if once != twice {
			t.Errorf("Phone not idempotent for %q: %q != %q", input, once, twice)
		}
	}
}

func TestPhoneTenDigit(t *testing.T) {
	// Every 10-digit numeric string normalizes to +1 prefix
	inputs := []string{"4155551234", "0000000000", "9999999999", "1234567890"}
	for _, d := range inputs {
		if got := Phone(d); got != "+1"+d {
			t.Errorf("Phone(%q) = %q, expected %q", d, got, "+1"+d)
		}
	}
}

func TestEmail(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"John.Doe@Example.COM", "john.doe@example.com"},
		{"  user@domain.org  ", "user@domain.org"},
		{"user@domain.org", "user@domain.org"},
		// No @ means the original comes back
		{"not-an-email", "not-an-email"},
		{"", ""},
	}

	for _, test := range tests {
		if got := Email(test.input); got != test.expected {
			t.Errorf("Email(%q) = %q, expected %q", test.input, got, test.expected)
		}
	}
}

func TestEmailIdempotent(t *testing.T) {
	once := Email("John.Doe@Example.COM")
	if twice := Email(once); once != twice {
		t.Errorf("Email not idempotent: %q != %q", once, twice)
	}
}

func TestDetectType(t *testing.T) {
	tests := []struct {
		input    string
		expected Type
	}{
		{"user@example.com", TypeEmail},
		{"+14155551234", TypePhone},
		{"(415) 555-1234", TypePhone},
		{"415-555-1234", TypePhone},
		{"hello world", TypeUnknown},
		{"", TypeUnknown},
		{"123", TypeUnknown},
		// 16+ digits exceeds the phone ceiling
		{"1234567890123456", TypeUnknown},
		// Mostly letters with a few digits embedded
		{"abcdefghij1234567", TypeUnknown},
	}

	for _, test := range tests {
		if got := DetectType(test.input); got != test.expected {
			t.Errorf("DetectType(%q) = %q, expected %q", test.input, got, test.expected)
		}
	}
}

func TestHandle(t *testing.T) {
	tests := []struct {
		input        string
		expectedVal  string
		expectedType Type
	}{
		{"(415) 555-1234", "+14155551234", TypePhone},
		{"+1 (415) 555-1234", "+14155551234", TypePhone},
		{"John.Doe@Example.COM", "john.doe@example.com", TypeEmail},
		{"  something else  ", "something else", TypeUnknown},
	}

	for _, test := range tests {
		val, typ := Handle(test.input)
		if val != test.expectedVal || typ != test.expectedType {
			t.Errorf("Handle(%q) = (%q, %q), expected (%q, %q)",
				test.input, val, typ, test.expectedVal, test.expectedType)
		}
	}
}

func TestTotalOverArbitraryInput(t *testing.T) {
	// None of these should panic, including non-ASCII and control characters
	inputs := []string{
		"", " ", "\x00", "日本語", "☎ +1 (415) 555-1234", "ü@exämple.com",
		"++++", "---", "\n\t", string(rune(0xFFFD)),
	}
	for _, input := range inputs {
		_ = Phone(input)
		_ = Email(input)
		_ = DetectType(input)
		_, _ = Handle(input)
	}
}
