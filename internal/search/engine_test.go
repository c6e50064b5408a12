package search

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/httptim/rednetd/internal/searchindex"
)

func seedIndex(t *testing.T) *searchindex.Index {
	t.Helper()
	ix := searchindex.New()
	docs := []searchindex.Document{
		{
			ID: "d1", URL: "bakery/pie.rwml", Title: "Apple Pie",
			Body: "apple pie recipe with fresh apple slices",
			Type: "markup", Site: "bakery",
		},
		{
			ID: "d2", URL: "bakery/tart.rwml", Title: "Pear Tart",
			Body: "pear tart recipe",
			Type: "markup", Site: "bakery",
		},
		{
			ID: "d3", URL: "farm/orchard.txt", Title: "Apple Orchard",
			Body: "growing apple trees",
			Type: "text", Site: "farm",
		},
	}
	for _, doc := range docs {
		require.NoError(t, ix.Add(doc))
	}
	return ix
}

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.DocID
	}
	return out
}

func TestSearchRanksByTermFrequency(t *testing.T) {
	e := NewEngine(seedIndex(t))

	results, err := e.Search("apple", Options{})
	require.NoError(t, err)
	// d1 mentions apple three times, d3 twice.
	require.Equal(t, []string{"d1", "d3"}, ids(results))
	require.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchPhraseNeedsAdjacency(t *testing.T) {
	e := NewEngine(seedIndex(t))

	loose, err := e.Search("recipe apple", Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"d1"}, ids(loose))

	phrase, err := e.Search(`"recipe apple"`, Options{})
	require.NoError(t, err)
	require.Empty(t, phrase)

	exact, err := e.Search(`"pie recipe"`, Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"d1"}, ids(exact))
}

func TestSearchNotExcludes(t *testing.T) {
	e := NewEngine(seedIndex(t))

	results, err := e.Search("recipe -pear", Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"d1"}, ids(results))
}

func TestSearchOrUnions(t *testing.T) {
	e := NewEngine(seedIndex(t))

	results, err := e.Search("pear OR orchard", Options{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"d2", "d3"}, ids(results))
}

func TestSearchSiteFieldRestricts(t *testing.T) {
	e := NewEngine(seedIndex(t))

	results, err := e.Search("site:farm apple", Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"d3"}, ids(results))
}

func TestSearchTitleField(t *testing.T) {
	e := NewEngine(seedIndex(t))

	results, err := e.Search("title:apple", Options{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"d1", "d3"}, ids(results))

	none, err := e.Search("title:recipe", Options{})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSearchCategoryOption(t *testing.T) {
	e := NewEngine(seedIndex(t))

	results, err := e.Search("apple", Options{Category: "markup"})
	require.NoError(t, err)
	require.Equal(t, []string{"d1"}, ids(results))
}

func TestSearchTitleSort(t *testing.T) {
	e := NewEngine(seedIndex(t))

	results, err := e.Search("apple", Options{Sort: "title"})
	require.NoError(t, err)
	require.Equal(t, []string{"d3", "d1"}, ids(results))
}

func TestSearchSnippetContainsTerm(t *testing.T) {
	e := NewEngine(seedIndex(t))

	results, err := e.Search("slices", Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Contains(t, results[0].Snippet, "slices")
}

func TestSuggestions(t *testing.T) {
	e := NewEngine(seedIndex(t))

	require.Equal(t, []string{"tart", "trees"}, e.Suggestions("t", 10))
	require.Equal(t, []string{"recipe"}, e.Suggestions("re", 10))
	require.Empty(t, e.Suggestions("zz", 10))
	require.Equal(t, []string{"pear"}, e.Suggestions("p", 1))
}
