package diag

import (
	"testing"
	"time"
)

func findValue(t *testing.T, r *Report, key string) string {
	t.Helper()
	for _, kv := range r.Values {
		if kv.Key == key {
			return kv.Value
		}
	}
	t.Fatalf("value %q missing: %+v", key, r.Values)
	return ""
}

func TestFrequencyStatusBands(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		ticks     int
		advance   time.Duration
		wantLevel Level
		wantMsg   string
	}{
		{
			name:      "no events",
			ticks:     0,
			advance:   10 * time.Second,
			wantLevel: LevelError,
			wantMsg:   "No events recorded.",
		},
		{
			name:      "in band",
			ticks:     15,
			advance:   10 * time.Second,
			wantLevel: LevelOK,
			wantMsg:   "Desired frequency met",
		},
		{
			name:      "too low",
			ticks:     5,
			advance:   10 * time.Second,
			wantLevel: LevelWarn,
			wantMsg:   "Frequency too low.",
		},
		{
			name:      "too high",
			ticks:     30,
			advance:   10 * time.Second,
			wantLevel: LevelWarn,
			wantMsg:   "Frequency too high.",
		},
		{
			name:      "tolerance keeps borderline ok",
			ticks:     19, // 0.95 Hz, below min but inside the tolerance band
			advance:   20 * time.Second,
			wantLevel: LevelOK,
			wantMsg:   "Desired frequency met",
		},
	}
	for _, tt := range cases {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clk := newFakeClock()
			s := newFrequencyStatus("rate", FrequencyConfig{MinFreq: 1, MaxFreq: 2}, clk)

			for i := 0; i < tt.ticks; i++ {
				s.Tick()
			}
			clk.Advance(tt.advance)

			var r Report
			s.Run(&r)
			if r.Level != tt.wantLevel || r.Message != tt.wantMsg {
				t.Fatalf("got %v %q, want %v %q", r.Level, r.Message, tt.wantLevel, tt.wantMsg)
			}
		})
	}
}

func TestFrequencyStatusFields(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	s := newFrequencyStatus("rate", FrequencyConfig{MinFreq: 1, MaxFreq: 2}, clk)
	for i := 0; i < 20; i++ {
		s.Tick()
	}
	clk.Advance(10 * time.Second)

	var r Report
	s.Run(&r)

	if got := findValue(t, &r, "Events in window"); got != "20" {
		t.Fatalf("events in window = %q", got)
	}
	if got := findValue(t, &r, "Events since startup"); got != "20" {
		t.Fatalf("events since startup = %q", got)
	}
	findValue(t, &r, "Actual frequency (Hz)")
	findValue(t, &r, "Minimum acceptable frequency (Hz)")
	findValue(t, &r, "Maximum acceptable frequency (Hz)")
}

func TestFrequencyStatusWindowAverages(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	s := newFrequencyStatus("rate", FrequencyConfig{MinFreq: 1, MaxFreq: 2}, clk)

	// First run consumes ring slot 0. The second run still measures from
	// the start time in slot 1, so the quiet second period is averaged
	// against the busy first one instead of failing outright.
	for i := 0; i < 30; i++ {
		s.Tick()
	}
	clk.Advance(10 * time.Second)
	var r1 Report
	s.Run(&r1)

	clk.Advance(10 * time.Second)
	var r2 Report
	s.Run(&r2)

	if r2.Level != LevelOK {
		t.Fatalf("averaged run = %v %q, want OK", r2.Level, r2.Message)
	}
	if got := findValue(t, &r2, "Events in window"); got != "30" {
		t.Fatalf("events in window = %q", got)
	}
}

func TestFrequencyStatusClear(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	s := newFrequencyStatus("rate", FrequencyConfig{MinFreq: 1, MaxFreq: 2}, clk)
	for i := 0; i < 100; i++ {
		s.Tick()
	}
	clk.Advance(10 * time.Second)
	s.Clear()

	var r Report
	s.Run(&r)
	if r.Level != LevelError || r.Message != "No events recorded." {
		t.Fatalf("after clear: %v %q", r.Level, r.Message)
	}
	if got := findValue(t, &r, "Events since startup"); got != "0" {
		t.Fatalf("events since startup after clear = %q", got)
	}
}
