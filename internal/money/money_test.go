package money

import "testing"

func TestFormatCents(t *testing.T) {
	cases := map[int64]string{
		0:      "0.00",
		5:      "0.05",
		50:     "0.50",
		50000:  "500.00",
		33330:  "333.30",
		-12345: "-123.45",
	}
	for cents, want := range cases {
		if got := FormatCents(cents); got != want {
			t.Fatalf("FormatCents(%d) = %s, want %s", cents, got, want)
		}
	}
}

func TestCentsArithmeticIsExact(t *testing.T) {
	// Ten credits of $33.33 must sum to exactly $333.30.
	var total int64
	for i := 0; i < 10; i++ {
		total += 3333
	}
	if total != 33330 {
		t.Fatalf("expected 33330 cents, got %d", total)
	}
	if got := FormatCents(total); got != "333.30" {
		t.Fatalf("expected 333.30, got %s", got)
	}
}
