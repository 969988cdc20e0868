package environment_test

import (
	"testing"
	"time"

	"github.com/bdobrica/Tomo/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("TOMO_TEST_STR", "value")
	if got := environment.StringOr("TOMO_TEST_STR", "def"); got != "value" {
		t.Errorf("expected value, got %q", got)
	}
	if got := environment.StringOr("TOMO_TEST_STR_MISSING", "def"); got != "def" {
		t.Errorf("expected default, got %q", got)
	}
}

func TestRequiredString(t *testing.T) {
	t.Setenv("TOMO_TEST_REQ", "present")
	v, err := environment.RequiredString("TOMO_TEST_REQ")
	if err != nil || v != "present" {
		t.Errorf("unexpected result: %q, %v", v, err)
	}
	if _, err := environment.RequiredString("TOMO_TEST_REQ_MISSING"); err == nil {
		t.Error("expected error for missing variable")
	}
}

func TestBoolOr(t *testing.T) {
	t.Setenv("TOMO_TEST_BOOL", "true")
	if !environment.BoolOr("TOMO_TEST_BOOL", false) {
		t.Error("expected true")
	}
	t.Setenv("TOMO_TEST_BOOL", "garbage")
	if environment.BoolOr("TOMO_TEST_BOOL", false) {
		t.Error("expected default on unparseable value")
	}
}

func TestIntOr(t *testing.T) {
	t.Setenv("TOMO_TEST_INT", "42")
	if got := environment.IntOr("TOMO_TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	if got := environment.IntOr("TOMO_TEST_INT_MISSING", 7); got != 7 {
		t.Errorf("expected default, got %d", got)
	}
}

func TestDurationOr(t *testing.T) {
	t.Setenv("TOMO_TEST_DUR", "90s")
	if got := environment.DurationOr("TOMO_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}
	t.Setenv("TOMO_TEST_DUR", "not-a-duration")
	if got := environment.DurationOr("TOMO_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("expected default, got %v", got)
	}
}

func TestStringSliceOr(t *testing.T) {
	t.Setenv("TOMO_TEST_SLICE", " a , b,,c ")
	got := environment.StringSliceOr("TOMO_TEST_SLICE", nil)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
