package risk

import (
	"strings"
	"testing"
)

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(DefaultRules())
	if err != nil {
		t.Fatalf("building scorer: %v", err)
	}
	return s
}

func argvOf(cmd string) []string {
	return strings.Fields(cmd)
}

func TestReadOnlyScoresLow(t *testing.T) {
	s := newTestScorer(t)
	for _, cmd := range []string{
		"aws s3 ls",
		"aws ec2 describe-instances",
		"aws logs get-log-events",
	} {
		res := s.Score(argvOf(cmd))
		if res.Score > 25 {
			t.Errorf("%q: expected low score, got %d (%v)", cmd, res.Score, res.Hits)
		}
	}
}

func TestDestructiveIAMScoresHigh(t *testing.T) {
	s := newTestScorer(t)
	res := s.Score(argvOf("aws iam delete-role --role-name admin"))
	if res.Score < 66 {
		t.Errorf("expected high score for iam delete, got %d (%v)", res.Score, res.Hits)
	}
}

func TestDangerousFlagsRaiseScore(t *testing.T) {
	s := newTestScorer(t)
	base := s.Score(argvOf("aws rds delete-db-instance --db-instance-identifier db"))
	flagged := s.Score(argvOf("aws rds delete-db-instance --db-instance-identifier db --skip-final-snapshot"))
	if flagged.Score <= base.Score {
		t.Errorf("expected --skip-final-snapshot to raise score: %d vs %d", flagged.Score, base.Score)
	}
}

func TestScoreBounded(t *testing.T) {
	s := newTestScorer(t)
	res := s.Score(argvOf("aws iam delete-role --force --skip-final-snapshot --no-verify-ssl --yes --policy-document x"))
	if res.Score < 0 || res.Score > 100 {
		t.Errorf("score out of bounds: %d", res.Score)
	}
}

func TestUnparseableFailsClosed(t *testing.T) {
	s := newTestScorer(t)
	res := s.Score([]string{"aws"})
	if res.Score != 100 {
		t.Errorf("expected fail-closed score 100, got %d", res.Score)
	}
}

func TestCategoryBreakdownPresent(t *testing.T) {
	s := newTestScorer(t)
	res := s.Score(argvOf("aws iam delete-role --force"))
	if res.CategoryBreakdown["verb"] == 0 {
		t.Error("expected verb contribution in breakdown")
	}
	if res.CategoryBreakdown["service"] == 0 {
		t.Error("expected service contribution in breakdown")
	}
	if res.CategoryBreakdown["flags"] == 0 {
		t.Error("expected flags contribution in breakdown")
	}
}

func TestRulesValidation(t *testing.T) {
	bad := DefaultRules()
	bad.VerbScores["explode"] = 150
	if err := bad.Validate(); err == nil {
		t.Error("expected validation error for out-of-range score")
	}
}
