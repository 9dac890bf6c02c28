package diag

import "testing"

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "ok", want: LevelOK},
		{in: "OK", want: LevelOK},
		{in: " warn ", want: LevelWarn},
		{in: "warning", want: LevelWarn},
		{in: "error", want: LevelError},
		{in: "err", want: LevelError},
		{in: "Stale", want: LevelStale},
		{in: "fatal", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range cases {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseLevel(%q): expected error, got %v", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLevel(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevelOrdering(t *testing.T) {
	t.Parallel()

	if !(LevelOK < LevelWarn && LevelWarn < LevelError && LevelError < LevelStale) {
		t.Fatalf("level ordering broken: ok=%d warn=%d error=%d stale=%d",
			LevelOK, LevelWarn, LevelError, LevelStale)
	}
}

func TestReportSummary(t *testing.T) {
	t.Parallel()

	var r Report
	if r.Level != LevelOK || r.Message != "" {
		t.Fatalf("zero report not OK/empty: %+v", r)
	}

	r.Summary(LevelWarn, "getting warm")
	if r.Level != LevelWarn || r.Message != "getting warm" {
		t.Fatalf("after Summary: %+v", r)
	}

	r.Summaryf(LevelError, "temp %d over limit", 91)
	if r.Level != LevelError || r.Message != "temp 91 over limit" {
		t.Fatalf("after Summaryf: %+v", r)
	}

	r.ClearSummary()
	if r.Level != LevelOK || r.Message != "" {
		t.Fatalf("after ClearSummary: %+v", r)
	}
}

func TestReportMergeSummary(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		steps     []struct {
			level Level
			msg   string
		}
		wantLevel Level
		wantMsg   string
	}{
		{
			name: "ok messages dropped",
			steps: []struct {
				level Level
				msg   string
			}{{LevelOK, "all fine"}, {LevelOK, "still fine"}},
			wantLevel: LevelOK,
			wantMsg:   "",
		},
		{
			name: "non-ok messages join in order",
			steps: []struct {
				level Level
				msg   string
			}{{LevelWarn, "low battery"}, {LevelError, "overheat"}},
			wantLevel: LevelError,
			wantMsg:   "low battery; overheat",
		},
		{
			name: "level never decreases",
			steps: []struct {
				level Level
				msg   string
			}{{LevelError, "bad"}, {LevelWarn, "meh"}},
			wantLevel: LevelError,
			wantMsg:   "bad; meh",
		},
		{
			name: "stale dominates",
			steps: []struct {
				level Level
				msg   string
			}{{LevelError, "bad"}, {LevelStale, "silent"}},
			wantLevel: LevelStale,
			wantMsg:   "bad; silent",
		},
		{
			name: "empty non-ok message ignored",
			steps: []struct {
				level Level
				msg   string
			}{{LevelWarn, ""}, {LevelWarn, "real"}},
			wantLevel: LevelWarn,
			wantMsg:   "real",
		},
	}
	for _, tt := range cases {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var r Report
			for _, s := range tt.steps {
				r.MergeSummary(s.level, s.msg)
			}
			if r.Level != tt.wantLevel || r.Message != tt.wantMsg {
				t.Fatalf("got level=%v msg=%q, want level=%v msg=%q",
					r.Level, r.Message, tt.wantLevel, tt.wantMsg)
			}
		})
	}
}

func TestReportValuesOrderAndDuplicates(t *testing.T) {
	t.Parallel()

	var r Report
	r.Add("volts", "11.9")
	r.Addf("amps", "%0.1f", 2.35)
	r.Add("volts", "12.1")

	want := []KeyValue{
		{Key: "volts", Value: "11.9"},
		{Key: "amps", Value: "2.4"},
		{Key: "volts", Value: "12.1"},
	}
	if len(r.Values) != len(want) {
		t.Fatalf("got %d values, want %d: %+v", len(r.Values), len(want), r.Values)
	}
	for i := range want {
		if r.Values[i] != want[i] {
			t.Fatalf("value[%d] = %+v, want %+v", i, r.Values[i], want[i])
		}
	}
}

func TestLevelTextRoundTrip(t *testing.T) {
	t.Parallel()

	for _, lvl := range []Level{LevelOK, LevelWarn, LevelError, LevelStale} {
		b, err := lvl.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", lvl, err)
		}
		var back Level
		if err := back.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", b, err)
		}
		if back != lvl {
			t.Fatalf("round trip %v -> %q -> %v", lvl, b, back)
		}
	}
}
