package clock

import (
	"testing"
	"time"
)

func TestAlignUp(t *testing.T) {
	cases := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "already aligned",
			in:   time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "rounds up within quarter hour",
			in:   time.Date(2026, 1, 1, 10, 1, 0, 0, time.UTC),
			want: time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC),
		},
		{
			name: "rounds up crossing the hour",
			in:   time.Date(2026, 1, 1, 10, 59, 59, 0, time.UTC),
			want: time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := AlignUp(tc.in)
			if !got.Equal(tc.want) {
				t.Errorf("AlignUp(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestBuildHorizonCapsAt48Hours(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	farPriceEnd := now.Add(200 * time.Hour)
	g := BuildHorizon(now, farPriceEnd, time.UTC)
	if g.Len() != int(MaxHorizon/StepDuration) {
		t.Fatalf("expected %d intervals capped at 48h, got %d", MaxHorizon/StepDuration, g.Len())
	}
}

func TestBuildHorizonRespectsShorterPriceHorizon(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	priceEnd := now.Add(3 * time.Hour)
	g := BuildHorizon(now, priceEnd, time.UTC)
	if g.Len() != 12 {
		t.Fatalf("expected 12 intervals (3h at 15min), got %d", g.Len())
	}
	if g.TimeAt(0) != now {
		t.Fatalf("first interval should start at the aligned now, got %v", g.TimeAt(0))
	}
}

func TestIndexAtAndIndexContaining(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	g := BuildHorizon(now, now.Add(2*time.Hour), time.UTC)
	idx, ok := g.IndexAt(now.Add(30 * time.Minute))
	if !ok || idx != 2 {
		t.Fatalf("IndexAt exact boundary: got (%d, %v), want (2, true)", idx, ok)
	}
	idx, ok = g.IndexContaining(now.Add(31 * time.Minute))
	if !ok || idx != 2 {
		t.Fatalf("IndexContaining mid-interval: got (%d, %v), want (2, true)", idx, ok)
	}
	_, ok = g.IndexContaining(now.Add(-time.Minute))
	if ok {
		t.Fatalf("IndexContaining before grid start should be false")
	}
}
