package model

import (
	"testing"
	"time"
)

func TestMarkSentFirstSentIsWriteOnce(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	var d Delivery
	d.MarkSent(t0, false)
	d.MarkSent(t1, false)

	if !d.FirstSentAt.Equal(t0) {
		t.Fatalf("FirstSentAt = %v, want %v", d.FirstSentAt, t0)
	}
	if !d.LastSentAt.Equal(t1) {
		t.Fatalf("LastSentAt = %v, want %v", d.LastSentAt, t1)
	}
	if d.ReminderSentAt != nil {
		t.Fatalf("ReminderSentAt = %v, want nil", d.ReminderSentAt)
	}
}

func TestMarkSentReminderIsWriteOnce(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var d Delivery
	d.MarkSent(t0, true)
	d.MarkSent(t0.Add(time.Minute), true)

	if !d.ReminderSentAt.Equal(t0) {
		t.Fatalf("ReminderSentAt = %v, want %v", d.ReminderSentAt, t0)
	}
	if d.State() != StateReminded {
		t.Fatalf("State = %s, want %s", d.State(), StateReminded)
	}
}

func TestMarkConfirmedIsTerminal(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var d Delivery
	if d.State() != StateCreated {
		t.Fatalf("State = %s, want created", d.State())
	}
	if !d.MarkConfirmed(t0) {
		t.Fatal("first MarkConfirmed should report a change")
	}
	if d.MarkConfirmed(t0.Add(time.Hour)) {
		t.Fatal("second MarkConfirmed should be a no-op")
	}
	if !d.ConfirmedAt.Equal(t0) {
		t.Fatalf("ConfirmedAt = %v, want %v", d.ConfirmedAt, t0)
	}

	d.MarkSent(t0.Add(2*time.Hour), true)
	if d.State() != StateConfirmed {
		t.Fatalf("State = %s, want confirmed", d.State())
	}
	if d.WantsAffordance() {
		t.Fatal("confirmed delivery must not carry the confirm button")
	}
}

func TestMarkSentNormalizesToUTC(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("CST", 8*3600)
	when := time.Date(2026, 5, 1, 20, 0, 0, 0, loc)

	var d Delivery
	d.MarkSent(when, false)
	if d.FirstSentAt.Location() != time.UTC {
		t.Fatalf("FirstSentAt location = %v, want UTC", d.FirstSentAt.Location())
	}
	if d.FirstSentAt.Hour() != 12 {
		t.Fatalf("FirstSentAt hour = %d, want 12", d.FirstSentAt.Hour())
	}
}
