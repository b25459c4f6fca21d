package env

import "testing"

func TestGetAndFirst(t *testing.T) {
	t.Setenv("BARNLINK_TEST_A", "  ")
	t.Setenv("BARNLINK_TEST_B", " console ")

	if got := Get("BARNLINK_TEST_A", "json"); got != "json" {
		t.Fatalf("blank value should fall back, got %q", got)
	}
	if got := First("BARNLINK_TEST_MISSING", "BARNLINK_TEST_A", "BARNLINK_TEST_B"); got != "console" {
		t.Fatalf("expected first non-blank value, got %q", got)
	}
	if got := First(); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}
