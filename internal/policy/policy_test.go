package policy

import "testing"

func TestLiteralMatchIsCaseInsensitiveByDefault(t *testing.T) {
	p, err := New([]Pattern{{Target: TargetMessage, Match: MatchLiteral, Text: "PANIC"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !p.Matches(Probe{Message: "a panic occurred"}) {
		t.Fatalf("expected case-insensitive match")
	}
}

func TestLiteralMatchRespectsCaseSensitive(t *testing.T) {
	p, err := New([]Pattern{{Target: TargetMessage, Match: MatchLiteral, Text: "PANIC", CaseSensitive: true}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Matches(Probe{Message: "a panic occurred"}) {
		t.Fatalf("case-sensitive pattern should not match lowercase text")
	}
	if !p.Matches(Probe{Message: "a PANIC occurred"}) {
		t.Fatalf("case-sensitive pattern should match exact case")
	}
}

func TestRegexMatch(t *testing.T) {
	p, err := New([]Pattern{{Target: TargetSymbol, Match: MatchRegex, Text: "^handle_[a-z]+$"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !p.Matches(Probe{Symbol: "handle_request"}) {
		t.Fatalf("expected regex match")
	}
	if p.Matches(Probe{Symbol: "HandleRequest"}) {
		t.Fatalf("unexpected regex match")
	}
}

func TestInvalidRegexFailsAtConstruction(t *testing.T) {
	_, err := New([]Pattern{{Target: TargetMessage, Match: MatchRegex, Text: "(unclosed"}})
	if err == nil {
		t.Fatalf("expected InvalidPattern error")
	}
}

func TestModuleQualifierMustAlsoMatch(t *testing.T) {
	p, err := New([]Pattern{{Target: TargetMessage, Match: MatchLiteral, Text: "error", Module: "auth"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Matches(Probe{Message: "error", Module: "billing"}) {
		t.Fatalf("module mismatch should prevent match")
	}
	if !p.Matches(Probe{Message: "error", Module: "auth"}) {
		t.Fatalf("matching module should allow match")
	}
}

func TestFirstMatchWins(t *testing.T) {
	p, err := New([]Pattern{
		{Target: TargetMessage, Match: MatchLiteral, Text: "never-seen-again-sentinel"},
		{Target: TargetMessage, Match: MatchLiteral, Text: "ok"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !p.Matches(Probe{Message: "ok"}) {
		t.Fatalf("expected second pattern to match")
	}
}
