package redact_test

import (
	"strings"
	"testing"

	"github.com/bdobrica/Tomo/common/redact"
)

func TestString(t *testing.T) {
	got := redact.String("authorization: Bearer sk-12345 sent", "sk-12345")
	if strings.Contains(got, "sk-12345") {
		t.Errorf("value not redacted: %q", got)
	}
	if !strings.Contains(got, "[REDACTED]") {
		t.Errorf("placeholder missing: %q", got)
	}
}

func TestString_ShortValuesSkipped(t *testing.T) {
	got := redact.String("a to b", "a")
	if got != "a to b" {
		t.Errorf("short value should not be redacted: %q", got)
	}
}

func TestArgs(t *testing.T) {
	args := map[string]string{
		"recipient":    "alice",
		"amount":       "100.00",
		"account_iban": "DE89370400440532013000",
	}
	got := redact.Args(args)
	if got["account_iban"] != "[REDACTED]" {
		t.Errorf("iban not redacted: %q", got["account_iban"])
	}
	if got["amount"] != "100.00" || got["recipient"] != "alice" {
		t.Errorf("non-sensitive values changed: %v", got)
	}
	// Original map untouched.
	if args["account_iban"] == "[REDACTED]" {
		t.Error("input map mutated")
	}
}

func TestMap(t *testing.T) {
	m := map[string]any{
		"api_key": "sk-abc",
		"count":   3,
	}
	got := redact.Map(m)
	if got["api_key"] != "[REDACTED]" {
		t.Errorf("api_key not redacted: %v", got["api_key"])
	}
	if got["count"] != 3 {
		t.Errorf("non-string value changed: %v", got["count"])
	}
}
