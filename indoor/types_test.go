package indoor

import "testing"

func TestReadingKindString(t *testing.T) {
	cases := map[ReadingKind]string{
		KindRanging:        "ranging",
		KindRangingAndRssi: "ranging+rssi",
		KindRssi:           "rssi",
		ReadingKind(99):    "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("kind %d: got %q, want %q", int(kind), got, want)
		}
	}
}

func TestSourceExponentDefault(t *testing.T) {
	s := Source{ID: "a", Position: []float64{1, 2, 3}}
	if s.Exponent() != DefaultPathLossExponent {
		t.Errorf("unset exponent: got %v, want the default %v", s.Exponent(), DefaultPathLossExponent)
	}
	s.PathLossExponent = 3.1
	if s.Exponent() != 3.1 {
		t.Errorf("set exponent: got %v, want 3.1", s.Exponent())
	}
	if s.Dims() != 3 {
		t.Errorf("dims: got %d, want 3", s.Dims())
	}
}

func TestSplitRangingReading(t *testing.T) {
	r := NewRangingReading("a", 4.5, 0.2)
	rg, rs := r.Split()
	if rs != nil {
		t.Error("ranging reading produced an RSSI part")
	}
	if rg == nil || *rg != r {
		t.Errorf("ranging part %+v, expected the reading unchanged", rg)
	}
}

func TestSplitRssiReading(t *testing.T) {
	r := NewRssiReading("b", -62, 1.5)
	rg, rs := r.Split()
	if rg != nil {
		t.Error("RSSI reading produced a ranging part")
	}
	if rs == nil || *rs != r {
		t.Errorf("RSSI part %+v, expected the reading unchanged", rs)
	}
}

func TestSplitCompositeReading(t *testing.T) {
	r := NewRangingAndRssiReading("c", 7.25, 0.3, -58, 2)
	r.NumAttempts = 5
	r.NumSuccesses = 4

	rg, rs := r.Split()
	if rg == nil || rs == nil {
		t.Fatal("composite reading must split into both parts")
	}
	if rg.Kind != KindRanging || rg.SourceID != "c" {
		t.Errorf("ranging part %+v", rg)
	}
	if rg.Distance != 7.25 || rg.DistanceStdDev != 0.3 {
		t.Errorf("ranging part lost the distance: %+v", rg)
	}
	if rg.Rssi != 0 || rg.RssiStdDev != 0 {
		t.Errorf("ranging part kept RSSI fields: %+v", rg)
	}
	if rg.NumAttempts != 5 || rg.NumSuccesses != 4 {
		t.Errorf("ranging part lost the exchange counters: %+v", rg)
	}
	if rs.Kind != KindRssi || rs.SourceID != "c" {
		t.Errorf("RSSI part %+v", rs)
	}
	if rs.Rssi != -58 || rs.RssiStdDev != 2 {
		t.Errorf("RSSI part lost the signal strength: %+v", rs)
	}
	if rs.Distance != 0 || rs.DistanceStdDev != 0 {
		t.Errorf("RSSI part kept distance fields: %+v", rs)
	}
}

func TestCountKinds(t *testing.T) {
	fp := &Fingerprint{Readings: []Reading{
		NewRangingReading("a", 1, 0),
		NewRssiReading("b", -50, 0),
		NewRangingAndRssiReading("c", 2, 0, -55, 0),
		NewRangingReading("d", 3, 0),
	}}
	ranging, rssi := fp.CountKinds()
	if ranging != 3 || rssi != 2 {
		t.Errorf("counts = (%d, %d), want (3, 2)", ranging, rssi)
	}
}
