package search

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/httptim/rednetd/internal/rederr"
)

func TestParseSingleTerm(t *testing.T) {
	expr, err := ParseQuery("Apple")
	require.NoError(t, err)
	require.Equal(t, TermExpr{Term: "apple"}, expr)
}

func TestParseImplicitAnd(t *testing.T) {
	expr, err := ParseQuery("apple pie")
	require.NoError(t, err)
	require.Equal(t, AndExpr{Exprs: []Expr{
		TermExpr{Term: "apple"},
		TermExpr{Term: "pie"},
	}}, expr)
}

func TestParseExplicitOperators(t *testing.T) {
	expr, err := ParseQuery("apple AND pie OR tart")
	require.NoError(t, err)
	require.Equal(t, OrExpr{Exprs: []Expr{
		AndExpr{Exprs: []Expr{TermExpr{Term: "apple"}, TermExpr{Term: "pie"}}},
		TermExpr{Term: "tart"},
	}}, expr)
}

func TestParseNotForms(t *testing.T) {
	expr, err := ParseQuery("apple NOT pear")
	require.NoError(t, err)
	require.Equal(t, AndExpr{Exprs: []Expr{
		TermExpr{Term: "apple"},
		NotExpr{Expr: TermExpr{Term: "pear"}},
	}}, expr)

	dash, err := ParseQuery("apple -pear")
	require.NoError(t, err)
	require.Equal(t, expr, dash)
}

func TestParsePhrase(t *testing.T) {
	expr, err := ParseQuery(`"apple pie recipe"`)
	require.NoError(t, err)
	require.Equal(t, PhraseExpr{Terms: []string{"apple", "pie", "recipe"}}, expr)
}

func TestParseSingleWordPhraseIsTerm(t *testing.T) {
	expr, err := ParseQuery(`"apple"`)
	require.NoError(t, err)
	require.Equal(t, TermExpr{Term: "apple"}, expr)
}

func TestParseFields(t *testing.T) {
	expr, err := ParseQuery("site:shop type:markup title:apple")
	require.NoError(t, err)
	require.Equal(t, AndExpr{Exprs: []Expr{
		FieldExpr{Field: "site", Value: "shop"},
		FieldExpr{Field: "type", Value: "markup"},
		FieldExpr{Field: "title", Value: "apple"},
	}}, expr)
}

func TestParseUnknownFieldIsTerm(t *testing.T) {
	expr, err := ParseQuery("color:red")
	require.NoError(t, err)
	require.Equal(t, TermExpr{Term: "color"}, expr)
}

func TestParseParens(t *testing.T) {
	expr, err := ParseQuery("(apple OR pear) pie")
	require.NoError(t, err)
	require.Equal(t, AndExpr{Exprs: []Expr{
		OrExpr{Exprs: []Expr{TermExpr{Term: "apple"}, TermExpr{Term: "pear"}}},
		TermExpr{Term: "pie"},
	}}, expr)
}

func TestParseErrors(t *testing.T) {
	for _, q := range []string{
		"",
		`"unterminated`,
		"(apple",
		"site:",
		"NOT",
		"the", // stopword only
	} {
		_, err := ParseQuery(q)
		require.Truef(t, errors.Is(err, rederr.ErrValidation), "query %q: %v", q, err)
	}
}
