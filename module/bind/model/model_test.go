package model

import "testing"

const sampleID = "usr_12345678-abcd-ef01-2345-6789abcdef01"

func TestWorldIDFormat(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{sampleID, true},
		{"USR_12345678-ABCD-EF01-2345-6789ABCDEF01", true},
		{"  " + sampleID + " ", true},
		{"usr_1234", false},
		{"我是 " + sampleID, false},
		{"grp_12345678-abcd-ef01-2345-6789abcdef01", false},
	}
	for _, c := range cases {
		if got := IsWorldID(c.in); got != c.want {
			t.Fatalf("IsWorldID(%q) = %v", c.in, got)
		}
	}
}

func TestSamePair(t *testing.T) {
	a := Binding{ChatID: 1, WorldID: sampleID}
	if !a.SamePair(Binding{ChatID: 1, WorldID: "USR_12345678-ABCD-EF01-2345-6789ABCDEF01"}) {
		t.Fatalf("case-insensitive world id not treated as same pair")
	}
	if a.SamePair(Binding{ChatID: 2, WorldID: sampleID}) {
		t.Fatalf("different chat treated as same pair")
	}
}

func TestFindWorldID(t *testing.T) {
	got, ok := FindWorldID("加群：我是 USR_12345678-ABCD-EF01-2345-6789ABCDEF01 谢谢")
	if !ok || got != sampleID {
		t.Fatalf("got %q %v", got, ok)
	}
	if _, ok := FindWorldID("hello"); ok {
		t.Fatalf("found id in plain text")
	}
}

func TestStateHelpers(t *testing.T) {
	if !StateAwaitingAnswer.Open() || !StatePendingReview.Open() {
		t.Fatalf("open states")
	}
	for _, s := range []State{StateBound, StateRejected, StateTimedOut, StateClosed} {
		if !s.Terminal() {
			t.Fatalf("%v should be terminal", s)
		}
	}
	if StateTimedOut.String() != "TIMED_OUT" {
		t.Fatalf("name = %s", StateTimedOut)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(" Strict "); err != nil || m != ModeStrict {
		t.Fatalf("got %v %v", m, err)
	}
	if _, err := ParseMode("lenient"); err == nil {
		t.Fatalf("unknown mode accepted")
	}
}

func TestTroll(t *testing.T) {
	if !(Identity{Tags: []string{"system_trust_basic", "system_probable_troll"}}).IsTroll() {
		t.Fatalf("troll tag missed")
	}
	if (Identity{}).IsTroll() {
		t.Fatalf("false positive")
	}
}
