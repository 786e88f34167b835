package temporal

import "testing"

func TestFormatParseRoundTrip(t *testing.T) {
	now := SystemClock{}.Now()
	parsed, err := Parse(now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if Format(parsed) != now {
		t.Fatalf("round trip mismatch: %q vs %q", Format(parsed), now)
	}
}

func TestAsOfPredicateSQL(t *testing.T) {
	p := AsOfPredicate("2026-01-20T00:00:00Z")
	frag, args := p.SQL()
	if frag == "" || len(args) != 2 {
		t.Fatalf("unexpected predicate: %q %v", frag, args)
	}
	if args[0] != "2026-01-20T00:00:00Z" {
		t.Fatalf("unexpected bind arg: %v", args[0])
	}
}

func TestActivePredicateSQL(t *testing.T) {
	p := ActivePredicate()
	frag, args := p.SQL()
	if frag != "valid_until IS NULL" || args != nil {
		t.Fatalf("unexpected active predicate: %q %v", frag, args)
	}
}

func TestDaysSinceClampsNonNegative(t *testing.T) {
	future := "2099-01-01T00:00:00Z"
	past := "2000-01-01T00:00:00Z"
	if d := DaysSince(future, past); d != 0 {
		t.Fatalf("expected 0 for future timestamp, got %v", d)
	}
	if d := DaysSince(past, future); d <= 0 {
		t.Fatalf("expected positive days, got %v", d)
	}
}

func TestBeforeLexicographic(t *testing.T) {
	if !Before("2026-01-01T00:00:00Z", "2026-01-02T00:00:00Z") {
		t.Fatal("expected earlier timestamp to be 'before'")
	}
}
