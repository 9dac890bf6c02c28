package diag

import "testing"

func TestCompositeMergesChildren(t *testing.T) {
	t.Parallel()

	c := NewComposite("power",
		NewTask("cell", func(r *Report) {
			r.Summary(LevelOK, "cell nominal")
			r.Add("cell_volts", "3.9")
		}),
		NewTask("charge", func(r *Report) {
			r.Summary(LevelWarn, "low battery")
			r.Add("charge_pct", "11")
		}),
		NewTask("thermal", func(r *Report) {
			r.Summary(LevelError, "overheat")
			r.Add("temp_c", "91")
		}),
	)

	var r Report
	c.Run(&r)

	if r.Level != LevelError {
		t.Fatalf("level = %v, want %v", r.Level, LevelError)
	}
	if r.Message != "low battery; overheat" {
		t.Fatalf("message = %q, want %q", r.Message, "low battery; overheat")
	}
	wantValues := []KeyValue{
		{Key: "cell_volts", Value: "3.9"},
		{Key: "charge_pct", Value: "11"},
		{Key: "temp_c", Value: "91"},
	}
	if len(r.Values) != len(wantValues) {
		t.Fatalf("got %d values, want %d: %+v", len(r.Values), len(wantValues), r.Values)
	}
	for i := range wantValues {
		if r.Values[i] != wantValues[i] {
			t.Fatalf("value[%d] = %+v, want %+v", i, r.Values[i], wantValues[i])
		}
	}
}

func TestCompositeAllOK(t *testing.T) {
	t.Parallel()

	c := NewComposite("sensors",
		NewTask("gyro", func(r *Report) { r.Summary(LevelOK, "gyro fine") }),
		NewTask("accel", func(r *Report) { r.Summary(LevelOK, "accel fine") }),
	)

	r := Report{Level: LevelError, Message: "No message was set"}
	c.Run(&r)

	if r.Level != LevelOK {
		t.Fatalf("level = %v, want %v", r.Level, LevelOK)
	}
	if r.Message != "" {
		t.Fatalf("message = %q, want empty", r.Message)
	}
}

func TestCompositeChildrenSeeOriginalSummary(t *testing.T) {
	t.Parallel()

	var seen []Level
	child := func(r *Report) {
		seen = append(seen, r.Level)
		r.Summary(LevelError, "boom")
	}

	c := NewComposite("iso",
		NewTask("a", child),
		NewTask("b", child),
	)

	r := Report{Level: LevelWarn, Message: "incoming"}
	c.Run(&r)

	if len(seen) != 2 {
		t.Fatalf("ran %d children, want 2", len(seen))
	}
	for i, lvl := range seen {
		if lvl != LevelWarn {
			t.Fatalf("child %d saw level %v, want the original %v", i, lvl, LevelWarn)
		}
	}
	if r.Level != LevelError || r.Message != "boom; boom" {
		t.Fatalf("merged = %v %q", r.Level, r.Message)
	}
}

func TestCompositeEmpty(t *testing.T) {
	t.Parallel()

	c := NewComposite("empty")
	r := Report{Level: LevelError, Message: "No message was set"}
	c.Run(&r)

	if r.Level != LevelOK || r.Message != "" {
		t.Fatalf("empty composite = %v %q, want OK and empty", r.Level, r.Message)
	}
}

func TestCompositeNested(t *testing.T) {
	t.Parallel()

	inner := NewComposite("inner",
		NewTask("x", func(r *Report) { r.Summary(LevelWarn, "x drifting") }),
		NewTask("y", func(r *Report) { r.Summary(LevelOK, "y fine") }),
	)
	outer := NewComposite("outer",
		inner,
		NewTask("z", func(r *Report) { r.Summary(LevelStale, "z silent") }),
	)

	var r Report
	outer.Run(&r)

	if r.Level != LevelStale {
		t.Fatalf("level = %v, want %v", r.Level, LevelStale)
	}
	if r.Message != "x drifting; z silent" {
		t.Fatalf("message = %q", r.Message)
	}
}
