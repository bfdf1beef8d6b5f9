package schedbackend

import "testing"

func TestParseClock(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"30", 1},          // 30s rounds up
		{"29", 0},          // sub-half-minute rounds down
		{"19:35", 20},      // M:S, 35s rounds up
		{"20:00", 20},      // M:S exact
		{"02:30:00", 150},  // H:M:S
		{"01:02:03:30", 1564}, // D:H:M:S with 30s rounding up
		{"00:00:00:00", 0},
	}
	for _, tc := range cases {
		got, err := ParseClock(tc.in)
		if err != nil {
			t.Errorf("ParseClock(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseClock(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseClock_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1:2:3:4:5", "1:xx"} {
		if _, err := ParseClock(in); err == nil {
			t.Errorf("ParseClock(%q) should fail", in)
		}
	}
}

func TestParseSlurmDuration(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"30:00", 30},
		{"1:00:00", 60},
		{"1-00:00:00", 1440},
		{"2-12:30:00", 3630},
		{"UNLIMITED", 0},
		{"N/A", 0},
	}
	for _, tc := range cases {
		got, err := ParseSlurmDuration(tc.in)
		if err != nil {
			t.Errorf("ParseSlurmDuration(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseSlurmDuration(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseBackfillPhrase(t *testing.T) {
	cases := []struct {
		in   []string
		want int
	}{
		{[]string{"6", "hours", "30", "minutes", "10", "seconds"}, 390},
		{[]string{"45", "minutes", "59", "seconds"}, 45}, // sub-minute truncated
		{[]string{"1", "hour", "0", "minutes", "0", "seconds"}, 60},
	}
	for _, tc := range cases {
		got, ok := parseBackfillPhrase(tc.in)
		if !ok {
			t.Errorf("parseBackfillPhrase(%v) did not match", tc.in)
			continue
		}
		if got != tc.want {
			t.Errorf("parseBackfillPhrase(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}

	if _, ok := parseBackfillPhrase([]string{"no", "durations", "here"}); ok {
		t.Error("phrase without units should not match")
	}
}
