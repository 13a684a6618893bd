package schedule

import (
	"errors"
	"testing"
	"time"
)

func mustLoad(t *testing.T, tz string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(tz)
	if err != nil {
		t.Skipf("tzdata for %s not available: %v", tz, err)
	}
	return loc
}

func TestNormalizeDropsSecondsAndYear(t *testing.T) {
	t.Parallel()
	a := time.Date(2026, time.March, 10, 9, 15, 1, 0, time.UTC)
	b := time.Date(2026, time.March, 10, 9, 15, 59, 999, time.UTC)
	c := time.Date(2031, time.March, 10, 9, 15, 30, 0, time.UTC)

	da, db, dc := Normalize(a, time.UTC), Normalize(b, time.UTC), Normalize(c, time.UTC)
	if da != db {
		t.Fatalf("same minute should coalesce: %v != %v", da, db)
	}
	if da != dc {
		t.Fatalf("year is not part of the descriptor: %v != %v", da, dc)
	}
	want := Descriptor{Minute: 15, Hour: 9, Day: 10, Month: time.March}
	if da != want {
		t.Fatalf("Normalize = %+v, want %+v", da, want)
	}
	if got := da.Spec(); got != "15 9 10 3 *" {
		t.Fatalf("Spec = %q", got)
	}
}

func TestNormalizeUsesLocation(t *testing.T) {
	t.Parallel()
	jkt := mustLoad(t, "Asia/Jakarta")
	at := time.Date(2026, time.December, 31, 20, 30, 0, 0, time.UTC)
	d := Normalize(at, jkt)
	want := Descriptor{Minute: 30, Hour: 3, Day: 1, Month: time.January}
	if d != want {
		t.Fatalf("Normalize in Jakarta = %+v, want %+v", d, want)
	}
}

func TestDescriptorNext(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, time.March, 10, 9, 15, 40, 0, time.UTC)
	tests := []struct {
		name string
		d    Descriptor
		want time.Time
	}{
		{
			name: "current minute fires now",
			d:    Descriptor{Minute: 15, Hour: 9, Day: 10, Month: time.March},
			want: time.Date(2026, time.March, 10, 9, 15, 0, 0, time.UTC),
		},
		{
			name: "later today",
			d:    Descriptor{Minute: 0, Hour: 18, Day: 10, Month: time.March},
			want: time.Date(2026, time.March, 10, 18, 0, 0, 0, time.UTC),
		},
		{
			name: "earlier minute rolls to next year",
			d:    Descriptor{Minute: 14, Hour: 9, Day: 10, Month: time.March},
			want: time.Date(2027, time.March, 10, 9, 14, 0, 0, time.UTC),
		},
		{
			name: "leap day",
			d:    Descriptor{Minute: 0, Hour: 8, Day: 29, Month: time.February},
			want: time.Date(2028, time.February, 29, 8, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.Next(now); !got.Equal(tt.want) {
				t.Fatalf("Next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDescriptorInvalid(t *testing.T) {
	t.Parallel()
	bad := []Descriptor{
		{},
		{Minute: 60, Hour: 1, Day: 1, Month: time.January},
		{Minute: 0, Hour: 0, Day: 31, Month: time.April},
		{Minute: 0, Hour: 0, Day: 30, Month: time.February},
	}
	for _, d := range bad {
		if d.Valid() {
			t.Fatalf("%+v should be invalid", d)
		}
		if !d.Next(time.Now()).IsZero() {
			t.Fatalf("Next(%+v) should be zero", d)
		}
	}
}

func TestParseTime(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Time
	}{
		{"2026-10-19T09:15:00Z", time.Date(2026, time.October, 19, 9, 15, 0, 0, time.UTC)},
		{"2026-10-19T09:15:00.5+00:00", time.Date(2026, time.October, 19, 9, 15, 0, 5e8, time.UTC)},
		{"2026-10-19 09:15", time.Date(2026, time.October, 19, 9, 15, 0, 0, time.UTC)},
		{"2026-10-19T09:15", time.Date(2026, time.October, 19, 9, 15, 0, 0, time.UTC)},
		{"1792400100", time.Unix(1792400100, 0)},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.raw, time.UTC)
		if err != nil {
			t.Fatalf("ParseTime(%q) error: %v", tt.raw, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("ParseTime(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestParseTimeInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "  ", "tomorrow", "2026-13-01 10:00"} {
		if _, err := ParseTime(raw, time.UTC); !errors.Is(err, ErrInvalidTime) {
			t.Fatalf("ParseTime(%q) err = %v, want ErrInvalidTime", raw, err)
		}
	}
}
