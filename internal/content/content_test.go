package content

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseURLShapes(t *testing.T) {
	u, err := ParseURL("rdnt://home")
	require.NoError(t, err)
	require.Equal(t, URL{Scheme: "rdnt", Host: "home", Path: "/"}, u)

	u, err = ParseURL("rdnt://settings/network")
	require.NoError(t, err)
	require.Equal(t, "settings", u.Host)
	require.Equal(t, "/network", u.Path)

	u, err = ParseURL("Shop.Comp9.Rednet/items")
	require.NoError(t, err)
	require.Equal(t, "shop.comp9.rednet", u.Host)
	require.Equal(t, "/items", u.Path)

	u, err = ParseURL("/var/pages/index.rwml")
	require.NoError(t, err)
	require.Empty(t, u.Host)
	require.Equal(t, "/var/pages/index.rwml", u.Path)

	_, err = ParseURL("")
	require.Error(t, err)
	_, err = ParseURL("rdnt://")
	require.Error(t, err)
}

func TestURLStringRoundTrip(t *testing.T) {
	for _, raw := range []string{"rdnt://home/", "shop/items", "/tmp/page.rwml"} {
		u, err := ParseURL(raw)
		require.NoError(t, err)
		again, err := ParseURL(u.String())
		require.NoError(t, err)
		require.Equal(t, u, again)
	}
}

func TestMarkupParser(t *testing.T) {
	data := []byte(`# Shop Front

Welcome to the [catalog](shop/items) and [news](blog.comp4.rednet).

## Hours
Open all day.
`)
	ast, err := (MarkupParser{}).Parse(data)
	require.NoError(t, err)
	require.Equal(t, "Shop Front", ast.Title)
	require.Equal(t, []string{"shop/items", "blog.comp4.rednet"}, ast.Links)

	var kinds []string
	for _, n := range ast.Nodes {
		kinds = append(kinds, n.Kind)
	}
	require.Equal(t, []string{
		NodeHeading, NodeText, NodeLink, NodeText, NodeLink, NodeText, NodeHeading, NodeText,
	}, kinds)

	require.Equal(t, 2, ast.Nodes[6].Level)
}

func TestMarkupParserRejectsEmptyHeading(t *testing.T) {
	_, err := (MarkupParser{}).Parse([]byte("##\n"))
	require.Error(t, err)
}

func TestPlainText(t *testing.T) {
	ast, err := (MarkupParser{}).Parse([]byte("# Title\nbody [link](x) tail\n"))
	require.NoError(t, err)
	require.Equal(t, "Title body link tail", ast.PlainText())
}

func TestKindForExtension(t *testing.T) {
	require.Equal(t, KindMarkup, kindForExtension("index.rwml"))
	require.Equal(t, KindMarkup, kindForExtension("about.html"))
	require.Equal(t, KindMarkup, kindForExtension("old.htm"))
	require.Equal(t, KindDynamic, kindForExtension("app.lua"))
	require.Equal(t, KindText, kindForExtension("notes.txt"))
	require.Equal(t, KindText, kindForExtension("README"))
}
