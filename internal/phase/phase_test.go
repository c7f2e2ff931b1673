package phase

import "testing"

func TestParseRoundTrip(t *testing.T) {
	all := []Phase{ObsInfo, Focus, CalPre, Watching, CalPost, Finished}
	for _, p := range all {
		got, err := Parse(p.String())
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", p.String(), err)
		}
		if got != p {
			t.Fatalf("Parse(%q) = %v, want %v", p.String(), got, p)
		}
	}
}

func TestParseUnrecognizedCoercesToObsInfo(t *testing.T) {
	got, err := Parse("Bogus")
	if err == nil {
		t.Fatalf("Parse(\"Bogus\") returned nil error, want an error")
	}
	if got != ObsInfo {
		t.Fatalf("Parse(\"Bogus\") = %v, want ObsInfo", got)
	}
}

func TestIsTerminal(t *testing.T) {
	if Finished.IsTerminal() != true {
		t.Fatalf("Finished.IsTerminal() = false, want true")
	}
	for _, p := range []Phase{ObsInfo, Focus, CalPre, Watching, CalPost} {
		if p.IsTerminal() {
			t.Fatalf("%v.IsTerminal() = true, want false", p)
		}
	}
}

// TestPipelineDAGIsLinear covers §8 invariant 4's shape: each non-terminal
// phase has exactly one successor, and the chain runs ObsInfo..Finished.
func TestPipelineDAGIsLinear(t *testing.T) {
	want := map[Phase]Phase{
		ObsInfo:  Focus,
		Focus:    CalPre,
		CalPre:   Watching,
		Watching: CalPost,
		CalPost:  Finished,
	}
	for from, to := range want {
		succ := successors[from]
		if len(succ) != 1 || succ[0] != to {
			t.Fatalf("successors[%v] = %v, want [%v]", from, succ, to)
		}
	}
	if len(successors[Finished]) != 0 {
		t.Fatalf("successors[Finished] = %v, want empty", successors[Finished])
	}
}
