package cds

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseDateRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		wantErr bool
	}{
		{in: "2025-08-14"},
		{in: "2000-02-29"},
		{in: "1999-12-31"},
		{in: "14.08.2025", wantErr: true},
		{in: "2025-13-01", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			d, err := ParseDate(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDate(%q) expected error, got %v", tt.in, d)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDate(%q) error = %v", tt.in, err)
			}
			if got := d.String(); got != tt.in {
				t.Fatalf("round trip = %q, want %q", got, tt.in)
			}
		})
	}
}

func TestDateOfUsesUTCDay(t *testing.T) {
	t.Parallel()

	// 23:30 in UTC-3 is already the next day in UTC.
	loc := time.FixedZone("BRT", -3*60*60)
	stamp := time.Date(2025, time.August, 14, 23, 30, 0, 0, loc)
	if got := DateOf(stamp); got != NewDate(2025, time.August, 15) {
		t.Fatalf("DateOf = %s, want 2025-08-15", got)
	}
}

func TestDateOrdering(t *testing.T) {
	t.Parallel()

	a := NewDate(2025, time.August, 14)
	b := NewDate(2025, time.August, 15)
	c := NewDate(2026, time.January, 2)

	if !a.Before(b) || !b.Before(c) {
		t.Fatal("expected a < b < c")
	}
	if b.Before(a) || a.After(b) {
		t.Fatal("expected ordering to be asymmetric")
	}
	if a.Before(a) || a.After(a) {
		t.Fatal("expected a date not to sort around itself")
	}
}

func TestDateArithmetic(t *testing.T) {
	t.Parallel()

	d := NewDate(2025, time.February, 27)
	if got := d.AddDays(2); got != NewDate(2025, time.March, 1) {
		t.Fatalf("AddDays(2) = %s", got)
	}
	if got := d.AddDays(-27); got != NewDate(2025, time.January, 31) {
		t.Fatalf("AddDays(-27) = %s", got)
	}
	if got := NewDate(2025, time.March, 1).DaysSince(d); got != 2 {
		t.Fatalf("DaysSince = %d, want 2", got)
	}
	if got := d.DaysSince(d); got != 0 {
		t.Fatalf("DaysSince(self) = %d, want 0", got)
	}
}

func TestDateJSON(t *testing.T) {
	t.Parallel()

	type payload struct {
		Day Date `json:"day"`
	}

	out, err := json.Marshal(payload{Day: NewDate(2025, time.August, 14)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"day":"2025-08-14"}` {
		t.Fatalf("marshal = %s", out)
	}

	var in payload
	if err := json.Unmarshal([]byte(`{"day":"2025-08-14"}`), &in); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if in.Day != NewDate(2025, time.August, 14) {
		t.Fatalf("unmarshal = %s", in.Day)
	}

	var zero payload
	if err := json.Unmarshal([]byte(`{"day":""}`), &zero); err != nil {
		t.Fatalf("unmarshal empty: %v", err)
	}
	if !zero.Day.IsZero() {
		t.Fatalf("expected zero date, got %s", zero.Day)
	}
}

func TestDateAsMapKey(t *testing.T) {
	t.Parallel()

	m := map[Date]int{}
	m[NewDate(2025, time.August, 14)] = 1
	m[DateOf(time.Date(2025, time.August, 14, 17, 0, 0, 0, time.UTC))] = 2
	if len(m) != 1 || m[NewDate(2025, time.August, 14)] != 2 {
		t.Fatalf("expected same-day keys to collide, got %v", m)
	}
}
