package policy_test

import (
	"errors"
	"testing"

	"github.com/cordon-sec/cordon/internal/policy"
)

func parseOK(t *testing.T, src string) policy.Expr {
	t.Helper()
	expr, err := policy.Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	return expr
}

func TestParseFieldEqualsLabel(t *testing.T) {
	parseOK(t, "Subject.a:entity == testservice")
}

func TestParseFieldContainsAttribute(t *testing.T) {
	parseOK(t, "Subject.a:role contains a:b:c")
	parseOK(t, "Subject.a:role contains foo:bar:baz")
}

func TestParseConjunction(t *testing.T) {
	parseOK(t, "Subject.a:role contains a:b:c and Resource.a:name == foo")
}

func TestParseDisjunction(t *testing.T) {
	parseOK(t, "Subject.a:role contains a:b:c or Resource.a:name == foo")
}

func TestParseNot(t *testing.T) {
	parseOK(t, "not Subject.a:role contains a:b:c")
	parseOK(t, "not Subject.a:role contains a:b:c and not a == b")
}

func TestParseParenthesized(t *testing.T) {
	parseOK(t, "(not Subject.a:role contains a:b:c) and (not a == b)")
	parseOK(t, "(Subject.a:role contains a:b:c and Resource.a:name == foo) or Subject.a:b == label")
}

func TestParsePrecedence(t *testing.T) {
	// or binds looser than and
	expr := parseOK(t, "a == b or c == d and e == f")
	or, ok := expr.(policy.OrExpr)
	if !ok {
		t.Fatalf("expected or at the root, got %T", expr)
	}
	if _, ok := or.R.(policy.AndExpr); !ok {
		t.Fatalf("expected and on the right of or, got %T", or.R)
	}
}

func TestParseRejectsStringLiteral(t *testing.T) {
	// The grammar has no production for string literals: all comparison
	// values must be predeclared attributes.
	_, err := policy.Parse(`Subject.role == "admin"`)
	if err == nil {
		t.Fatal("expected syntax error for quoted literal")
	}
	var serr *policy.SyntaxError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *SyntaxError, got %T", err)
	}
}

func TestParseSyntaxErrorPosition(t *testing.T) {
	_, err := policy.Parse("Subject.a:role contains")
	var serr *policy.SyntaxError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *SyntaxError, got %v", err)
	}
	if serr.Pos != len("Subject.a:role contains") {
		t.Fatalf("unexpected position %d", serr.Pos)
	}
}

func TestParseRejectsUnknownGlobal(t *testing.T) {
	if _, err := policy.Parse("Object.a:role contains a:b:c"); err == nil {
		t.Fatal("expected error for unknown global")
	}
}

func TestParseRejectsTrailingInput(t *testing.T) {
	if _, err := policy.Parse("a == b c == d"); err == nil {
		t.Fatal("expected error for trailing input")
	}
}
