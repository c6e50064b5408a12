package tab

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/httptim/rednetd/internal/rederr"
	"github.com/httptim/rednetd/internal/shared"
)

func newTestTab(t *testing.T) *Tab {
	t.Helper()
	return New(shared.NewCookieJar(), false)
}

func TestNavigateTruncatesForwardHistory(t *testing.T) {
	tb := newTestTab(t)
	tb.Navigate("a", "A")
	tb.Navigate("b", "B")
	tb.Navigate("c", "C")

	url, ok := tb.Back()
	require.True(t, ok)
	require.Equal(t, "b", url)

	// Navigating from the middle discards "c".
	tb.Navigate("d", "D")
	require.False(t, tb.CanForward())

	url, ok = tb.Back()
	require.True(t, ok)
	require.Equal(t, "b", url)
}

func TestHistoryTrimmedToNewest(t *testing.T) {
	tb := newTestTab(t)
	for i := 0; i < maxHistory+10; i++ {
		tb.Navigate(fmt.Sprintf("page-%d", i), "")
	}

	count := 1
	for {
		if _, ok := tb.Back(); !ok {
			break
		}
		count++
	}
	require.Equal(t, maxHistory, count)

	url, _ := tb.Current()
	require.Equal(t, "page-10", url, "oldest entries are dropped")
}

func TestBackRestoresScrollPosition(t *testing.T) {
	tb := newTestTab(t)
	tb.Navigate("a", "A")
	tb.SetContentHeight(500)
	tb.Scroll(120)

	tb.Navigate("b", "B")
	require.Equal(t, 0, tb.ScrollY(), "new page starts at the top")

	url, ok := tb.Back()
	require.True(t, ok)
	require.Equal(t, "a", url)
	require.Equal(t, 120, tb.ScrollY())

	_, ok = tb.Forward()
	require.True(t, ok)
	require.Equal(t, 0, tb.ScrollY())
}

func TestBackOnEmptyAndAtStart(t *testing.T) {
	tb := newTestTab(t)
	_, ok := tb.Back()
	require.False(t, ok)

	tb.Navigate("a", "A")
	_, ok = tb.Back()
	require.False(t, ok)
	require.False(t, tb.CanBack())
}

func TestScrollClamped(t *testing.T) {
	tb := newTestTab(t)
	tb.Navigate("a", "A")
	tb.SetContentHeight(100)

	require.Equal(t, 100, tb.Scroll(500))
	require.Equal(t, 0, tb.Scroll(-500))

	// Shrinking the content pulls the viewport back in range.
	tb.Scroll(80)
	tb.SetContentHeight(50)
	require.Equal(t, 50, tb.ScrollY())
}

func TestZoomClamped(t *testing.T) {
	tb := newTestTab(t)
	require.Equal(t, 3.0, tb.SetZoom(10))
	require.Equal(t, 0.5, tb.SetZoom(0.01))
	require.Equal(t, 1.5, tb.SetZoom(1.5))
}

func TestFindCycles(t *testing.T) {
	tb := newTestTab(t)
	pos, ok := tb.Find("word", []int{4, 17, 42})
	require.True(t, ok)
	require.Equal(t, 4, pos)

	pos, _ = tb.FindNext()
	require.Equal(t, 17, pos)
	pos, _ = tb.FindNext()
	require.Equal(t, 42, pos)
	pos, _ = tb.FindNext()
	require.Equal(t, 4, pos, "wraps to the first match")

	pos, _ = tb.FindPrev()
	require.Equal(t, 42, pos, "wraps backwards")

	_, ok = tb.Find("absent", nil)
	require.False(t, ok)
	_, ok = tb.FindNext()
	require.False(t, ok)
}

func TestFormsScopedPerForm(t *testing.T) {
	tb := newTestTab(t)
	tb.SaveForm("shop", "login", map[string]string{"user": "tim"})
	tb.SaveForm("shop", "checkout", map[string]string{"qty": "3"})

	require.Equal(t, map[string]string{"user": "tim"}, tb.FormData("shop", "login"))
	require.Equal(t, map[string]string{"qty": "3"}, tb.FormData("shop", "checkout"))

	tb.ClearForm("shop", "login")
	require.Empty(t, tb.FormData("shop", "login"))
	require.Equal(t, map[string]string{"qty": "3"}, tb.FormData("shop", "checkout"))

	tb.ClearForms("shop")
	require.Empty(t, tb.FormData("shop", "checkout"))
}

func TestCookieOverlayReadsSharedWritesLocal(t *testing.T) {
	jar := shared.NewCookieJar()
	jar.Set("shop", shared.Cookie{Name: "session", Value: "s1"})
	tb := New(jar, false)

	// Shared cookies are visible through the tab.
	c, ok := tb.Cookie("shop", "session")
	require.True(t, ok)
	require.Equal(t, "s1", c.Value)

	// Tab writes shadow the shared value without touching the jar.
	tb.SetCookie("shop", shared.Cookie{Name: "session", Value: "s2"})
	c, ok = tb.Cookie("shop", "session")
	require.True(t, ok)
	require.Equal(t, "s2", c.Value)

	c, ok = jar.Get("shop", "session")
	require.True(t, ok)
	require.Equal(t, "s1", c.Value)

	// Other tabs on the same jar never see the overlay.
	other := New(jar, false)
	c, ok = other.Cookie("shop", "session")
	require.True(t, ok)
	require.Equal(t, "s1", c.Value)
}

func TestSerializeCarriesCookiesFiltersExpired(t *testing.T) {
	jar := shared.NewCookieJar()
	tb := New(jar, false)
	tb.SetCookie("shop", shared.Cookie{Name: "theme", Value: "dark"})
	tb.SetCookie("shop", shared.Cookie{Name: "old", Value: "x", Expires: time.Now().Add(-time.Hour)})

	data, err := tb.Serialize()
	require.NoError(t, err)

	got, err := Restore(data, jar)
	require.NoError(t, err)

	c, ok := got.Cookie("shop", "theme")
	require.True(t, ok)
	require.Equal(t, "dark", c.Value)
	_, ok = got.Cookie("shop", "old")
	require.False(t, ok)
}

func TestPrivateTabIsolatesCookies(t *testing.T) {
	jar := shared.NewCookieJar()
	normal := New(jar, false)
	private := New(jar, true)

	private.SetCookie("shop", shared.Cookie{Name: "session", Value: "secret"})
	_, ok := jar.Get("shop", "session")
	require.False(t, ok, "private cookies must not reach the shared jar")

	jar.Set("shop", shared.Cookie{Name: "pref", Value: "dark"})
	_, ok = normal.Cookie("shop", "pref")
	require.True(t, ok)
	_, ok = private.Cookie("shop", "pref")
	require.False(t, ok, "private tab must not read shared cookies")
}

func TestPrivateTabRefusesSerialization(t *testing.T) {
	private := New(shared.NewCookieJar(), true)
	_, err := private.Serialize()
	require.True(t, errors.Is(err, rederr.ErrPermission))
}

func TestSerializeRestoreRoundTrip(t *testing.T) {
	jar := shared.NewCookieJar()
	tb := New(jar, false)
	tb.Navigate("a", "A")
	tb.Navigate("b", "B")
	tb.SetContentHeight(300)
	tb.Scroll(42)
	tb.SetZoom(1.5)
	tb.SaveForm("b", "login", map[string]string{"user": "tim"})
	tb.SetLocal("shop", "theme", "dark")
	tb.RecordLoad(1024)

	data, err := tb.Serialize()
	require.NoError(t, err)

	got, err := Restore(data, jar)
	require.NoError(t, err)
	require.Equal(t, tb.ID, got.ID)

	url, ok := got.Current()
	require.True(t, ok)
	require.Equal(t, "b", url)
	require.True(t, got.CanBack())
	require.Equal(t, 42, got.ScrollY())
	require.Equal(t, 1.5, got.Zoom())
	require.Equal(t, map[string]string{"user": "tim"}, got.FormData("b", "login"))

	v, ok := got.Local("shop", "theme")
	require.True(t, ok)
	require.Equal(t, "dark", v)
	require.Equal(t, 1, got.Stats().PagesLoaded)
}

func TestRestoreRejectsCorruptSnapshot(t *testing.T) {
	_, err := Restore([]byte(`{"pos": 7, "history": []}`), shared.NewCookieJar())
	require.True(t, errors.Is(err, rederr.ErrIntegrity))

	_, err = Restore([]byte("not json"), shared.NewCookieJar())
	require.Error(t, err)
}

func TestMetricsAccumulate(t *testing.T) {
	tb := newTestTab(t)
	before := tb.Stats().LastActive
	time.Sleep(2 * time.Millisecond)

	tb.RecordLoad(100)
	tb.RecordLoad(250)

	m := tb.Stats()
	require.Equal(t, 2, m.PagesLoaded)
	require.Equal(t, int64(350), m.BytesReceived)
	require.True(t, m.LastActive.After(before))
}
