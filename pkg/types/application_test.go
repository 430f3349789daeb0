package types

import "testing"

func TestParseApplication(t *testing.T) {
	for _, a := range Applications {
		got, err := ParseApplication(string(a))
		if err != nil {
			t.Fatalf("ParseApplication(%q): %v", a, err)
		}
		if got != a {
			t.Errorf("got %q, want %q", got, a)
		}
	}

	if _, err := ParseApplication("common_app"); err == nil {
		t.Error("expected lowercase application to be rejected")
	}
	if _, err := ParseApplication(""); err == nil {
		t.Error("expected empty application to be rejected")
	}
}

func TestScoreColumns(t *testing.T) {
	scores := ScoreColumns()
	levels := LevelColumns()
	if len(scores) != 11 || len(levels) != 11 {
		t.Fatalf("expected 11 score and 11 level columns, got %d and %d", len(scores), len(levels))
	}
	if scores[0] != "esslo_writing" {
		t.Errorf("unexpected first score column %q", scores[0])
	}
	if levels[10] != "esslo_reflection_level" {
		t.Errorf("unexpected last level column %q", levels[10])
	}
}

func TestEssay_TotalScore(t *testing.T) {
	e := Essay{}
	if _, ok := e.TotalScore(); ok {
		t.Error("expected no total for an essay without scores")
	}

	e.Scores = map[string]float64{"esslo_writing": 3.5, "esslo_voice": 1.5}
	total, ok := e.TotalScore()
	if !ok || total != 5 {
		t.Errorf("got (%v, %v), want (5, true)", total, ok)
	}
}
