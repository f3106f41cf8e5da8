package buffer

import "testing"

func TestPointInInterval24(t *testing.T) {
	cases := []struct {
		x, a, b int
		want    bool
	}{
		{10, 8, 12, true},
		{8, 8, 12, true},
		{12, 8, 12, true},
		{7, 8, 12, false},
		{13, 8, 12, false},
		{23, 22, 4, true},
		{1, 22, 4, true},
		{4, 22, 4, true},
		{5, 22, 4, false},
		{21, 22, 4, false},
		{8, 8, 8, true},
		{9, 8, 8, false},
	}
	for _, c := range cases {
		if got := pointInInterval24(c.x, c.a, c.b); got != c.want {
			t.Errorf("pointInInterval24(%d,%d,%d) = %v, want %v", c.x, c.a, c.b, got, c.want)
		}
	}
}

func TestWatermarksNoWindows(t *testing.T) {
	low, high := Watermarks(1000, 12, Window{}, Window{})
	if low != 50 {
		t.Errorf("low = %d, want 50", low)
	}
	if high != 75 {
		t.Errorf("high = %d, want 75", high)
	}
	if high < low {
		t.Errorf("high (%d) < low (%d)", high, low)
	}
}

func TestWatermarksRampDownHalves(t *testing.T) {
	rampDown := Window{Start: 2, End: 6, Set: true}
	low, _ := Watermarks(1000, 4, rampDown, Window{})
	if low != 25 {
		t.Errorf("low = %d, want 25 (halved)", low)
	}
}

func TestWatermarksRampUpMultiplies(t *testing.T) {
	rampUp := Window{Start: 8, End: 10, Set: true}
	low, _ := Watermarks(1000, 9, Window{}, rampUp)
	if low != 75 {
		t.Errorf("low = %d, want 75 (1.5x of 50)", low)
	}
}

func TestWatermarksRampDownTakesPrecedence(t *testing.T) {
	overlap := Window{Start: 5, End: 5, Set: true}
	rampDown := overlap
	rampUp := overlap
	low, _ := Watermarks(1000, 5, rampDown, rampUp)
	if low != 25 {
		t.Errorf("low = %d, want 25 (ramp-down wins on overlap)", low)
	}
}

func TestWatermarksUnsetWindowNeverMatches(t *testing.T) {
	// An unset window (zero value with Set=false) must never match, even
	// though its zero Start/End would otherwise match hour 0.
	low, _ := Watermarks(1000, 0, Window{}, Window{})
	if low != 50 {
		t.Errorf("low = %d, want 50 (unset window ignored)", low)
	}
}

func TestHighAlwaysAtLeastLow(t *testing.T) {
	for hour := 0; hour < 24; hour++ {
		for _, limit := range []int{0, 1, 7, 40, 1000, 12345} {
			low, high := Watermarks(limit, hour, Window{2, 6, true}, Window{8, 10, true})
			if high < low {
				t.Fatalf("hour=%d limit=%d: high (%d) < low (%d)", hour, limit, high, low)
			}
		}
	}
}
