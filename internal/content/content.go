// Package content fetches, serves, and parses pages. URLs name either a
// builtin rdnt:// page, a domain on the network, or a local file.
package content

import (
	"fmt"
	"strings"

	"github.com/httptim/rednetd/internal/rederr"
)

// Kind tags what a piece of content is.
type Kind string

const (
	KindMarkup   Kind = "markup"   // renderable page markup
	KindDynamic  Kind = "dynamic"  // script-generated page
	KindText     Kind = "text"     // plain text
	KindNotFound Kind = "notFound" // resolvable host, missing page
)

// Content is one fetched or generated page.
type Content struct {
	Kind  Kind
	URL   string
	Title string
	Data  []byte
}

// URL is a parsed page address.
type URL struct {
	Scheme string // "rdnt" for builtins, empty for network/local
	Host   string // domain, empty for rdnt and local paths
	Path   string // always begins with "/"
}

// ParseURL splits raw into scheme, host, and path. Addresses starting
// with rdnt:// are builtin pages; addresses with a leading "/" are local
// files; everything else is host[/path] on the network.
func ParseURL(raw string) (URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return URL{}, fmt.Errorf("empty url: %w", rederr.ErrValidation)
	}

	if rest, ok := strings.CutPrefix(raw, "rdnt://"); ok {
		host, path, _ := strings.Cut(rest, "/")
		if host == "" {
			return URL{}, fmt.Errorf("rdnt url without page name: %w", rederr.ErrValidation)
		}
		return URL{Scheme: "rdnt", Host: host, Path: "/" + path}, nil
	}

	if strings.HasPrefix(raw, "/") {
		return URL{Path: raw}, nil
	}

	host, path, _ := strings.Cut(raw, "/")
	return URL{Host: strings.ToLower(host), Path: "/" + path}, nil
}

// String reassembles the canonical address.
func (u URL) String() string {
	switch {
	case u.Scheme == "rdnt":
		return "rdnt://" + u.Host + u.Path
	case u.Host != "":
		return u.Host + u.Path
	default:
		return u.Path
	}
}

// kindForExtension maps a file extension to a content kind. HTML files
// get the markup treatment; the renderer makes of them what it can.
func kindForExtension(name string) Kind {
	switch {
	case strings.HasSuffix(name, ".rwml"), strings.HasSuffix(name, ".html"), strings.HasSuffix(name, ".htm"):
		return KindMarkup
	case strings.HasSuffix(name, ".lua"):
		return KindDynamic
	default:
		return KindText
	}
}
