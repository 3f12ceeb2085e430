package utils

import "testing"

func TestNowUTCReturnsUTCLocation(t *testing.T) {
	got := NowUTC()
	if got.Location().String() != "UTC" {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
}
