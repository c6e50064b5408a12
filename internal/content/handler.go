package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/httptim/rednetd/internal/dnscore"
	"github.com/httptim/rednetd/internal/rederr"
	"github.com/httptim/rednetd/internal/shared"
)

// BuiltinFunc generates one rdnt:// page.
type BuiltinFunc func(path string, params map[string]string) (Content, error)

// Resolver resolves a domain to its owning node.
type Resolver interface {
	Lookup(ctx context.Context, name string) (dnscore.Record, error)
}

// Handler dispatches page requests by URL shape: rdnt:// builtins,
// network domains via DNS plus a fetch, and local file paths.
type Handler struct {
	builtins map[string]BuiltinFunc
	dns      Resolver
	client   *Client
	conns    *shared.ConnPool
	parser   Parser
}

// NewHandler creates a handler with the default builtin pages. Remote
// fetches hold a connection from conns for the duration of the request,
// bounding concurrency per domain.
func NewHandler(dns Resolver, client *Client, conns *shared.ConnPool) *Handler {
	h := &Handler{
		builtins: make(map[string]BuiltinFunc),
		dns:      dns,
		client:   client,
		conns:    conns,
		parser:   MarkupParser{},
	}
	h.RegisterBuiltin("home", builtinHome)
	h.RegisterBuiltin("blank", builtinBlank)
	return h
}

// RegisterBuiltin installs or replaces a builtin page generator.
func (h *Handler) RegisterBuiltin(name string, fn BuiltinFunc) {
	h.builtins[name] = fn
}

// Get fetches the page at raw.
func (h *Handler) Get(ctx context.Context, raw string, params map[string]string) (Content, error) {
	u, err := ParseURL(raw)
	if err != nil {
		return Content{}, err
	}

	switch {
	case u.Scheme == "rdnt":
		return h.builtin(u, params)
	case u.Host != "":
		return h.remote(ctx, u, params)
	default:
		return h.local(u)
	}
}

func (h *Handler) builtin(u URL, params map[string]string) (Content, error) {
	fn, ok := h.builtins[u.Host]
	if !ok {
		return Content{Kind: KindNotFound, URL: u.String()}, nil
	}
	c, err := fn(u.Path, params)
	if err != nil {
		return Content{}, fmt.Errorf("builtin %s: %w", u.Host, err)
	}
	c.URL = u.String()
	return c, nil
}

func (h *Handler) remote(ctx context.Context, u URL, params map[string]string) (Content, error) {
	rec, err := h.dns.Lookup(ctx, u.Host)
	if err != nil {
		return Content{}, fmt.Errorf("resolve %s: %w", u.Host, err)
	}

	conn, err := h.conns.Acquire(ctx, u.Host)
	if err != nil {
		return Content{}, fmt.Errorf("connect to %s: %w", u.Host, err)
	}
	defer h.conns.Release(conn)

	resp, err := h.client.Fetch(ctx, rec.OwnerID, RequestPayload{
		URL:    u.String(),
		Path:   u.Path,
		Method: "GET",
		Params: params,
	})
	if err != nil {
		return Content{}, err
	}
	if resp.Status == 404 {
		return Content{Kind: KindNotFound, URL: u.String()}, nil
	}
	if resp.Status != 200 {
		return Content{}, fmt.Errorf("node %d returned status %d for %s: %w",
			rec.OwnerID, resp.Status, u.String(), rederr.ErrIntegrity)
	}

	c := Content{Kind: resp.Kind, URL: u.String(), Title: resp.Title, Data: []byte(resp.Body)}
	if c.Kind == KindMarkup && c.Title == "" {
		if ast, err := h.parser.Parse(c.Data); err == nil {
			c.Title = ast.Title
		}
	}
	return c, nil
}

// local serves a file path on this machine, probing index files for
// directories.
func (h *Handler) local(u URL) (Content, error) {
	path := filepath.Clean(u.Path)

	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		for _, name := range indexNames {
			if _, statErr := os.Stat(filepath.Join(path, name)); statErr == nil {
				path = filepath.Join(path, name)
				break
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Content{Kind: KindNotFound, URL: u.String()}, nil
		}
		return Content{}, fmt.Errorf("read %s: %w", path, err)
	}

	c := Content{Kind: kindForExtension(path), URL: u.String(), Data: data}
	if c.Kind == KindMarkup {
		if ast, err := h.parser.Parse(data); err == nil {
			c.Title = ast.Title
		}
	}
	return c, nil
}

func builtinHome(_ string, _ map[string]string) (Content, error) {
	body := "# Welcome\n\nThis node is part of the rednet.\n\n[Search](rdnt://search)\n"
	return Content{Kind: KindMarkup, Title: "Welcome", Data: []byte(body)}, nil
}

func builtinBlank(_ string, _ map[string]string) (Content, error) {
	return Content{Kind: KindMarkup, Title: "", Data: nil}, nil
}
