package privacy

import "testing"

func TestGateDefaults(t *testing.T) {
	g := NewGate(false)
	if !g.WriteAllowed() {
		t.Fatalf("fresh gate should allow writes")
	}

	opted := NewGate(true)
	if opted.WriteAllowed() {
		t.Fatalf("opted-out gate should deny writes")
	}
}

func TestGateToggleMatrix(t *testing.T) {
	cases := []struct {
		name      string
		recording bool
		offRecord bool
		want      bool
	}{
		{"recording on, on the record", true, false, true},
		{"recording on, off the record", true, true, false},
		{"recording off, on the record", false, false, false},
		{"recording off, off the record", false, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGate(false)
			g.SetRecording(tc.recording)
			g.SetOffTheRecord(tc.offRecord)
			if got := g.WriteAllowed(); got != tc.want {
				t.Fatalf("WriteAllowed() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestGateIdempotentToggles(t *testing.T) {
	g := NewGate(false)

	g.SetOffTheRecord(true)
	g.SetOffTheRecord(true)
	rec, off := g.State()
	if !rec || !off {
		t.Fatalf("state after double toggle: recording=%v off=%v", rec, off)
	}
	if g.WriteAllowed() {
		t.Fatalf("off the record should deny writes")
	}

	g.SetOffTheRecord(false)
	g.SetOffTheRecord(false)
	if !g.WriteAllowed() {
		t.Fatalf("resuming recording twice should still allow writes")
	}
}
