package content

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/httptim/rednetd/internal/sandbox"
	"github.com/httptim/rednetd/internal/transport"
)

// indexNames are tried, in order, when a request names a directory.
var indexNames = []string{"index.rwml", "index.html", "index.htm", "index.lua", "index.txt"}

// Server serves this node's site directory to the network. Static markup
// and text ship as-is; .lua pages run in the sandbox and ship their
// output.
type Server struct {
	selfID int
	root   string
	tr     transport.Transport
	sbx    *sandbox.Sandbox
	logger *slog.Logger
}

// NewServer creates a page server over the site root directory.
func NewServer(selfID int, root string, tr transport.Transport, sbx *sandbox.Sandbox, logger *slog.Logger) *Server {
	return &Server{selfID: selfID, root: root, tr: tr, sbx: sbx, logger: logger}
}

// Attach registers the request handler on d.
func (s *Server) Attach(d *transport.Dispatcher) {
	d.HandleFunc(transport.ProtocolHTTP, TypeRequest, s.onRequest)
}

func (s *Server) onRequest(msg transport.Message) {
	var req RequestPayload
	if err := msg.Envelope.DecodePayload(&req); err != nil {
		return
	}
	resp := s.serve(req)
	env, err := transport.NewEnvelope(TypeResponse, s.selfID, resp)
	if err != nil {
		return
	}
	if err := s.tr.Send(msg.Envelope.SenderID, transport.ProtocolHTTP, env); err != nil {
		s.logger.Debug("response send failed", "path", req.Path, "error", err)
	}
}

// serve resolves the requested path inside the site root and produces
// the response. Paths escaping the root and missing files both come back
// as notFound, never as an error the requester can probe.
func (s *Server) serve(req RequestPayload) ResponsePayload {
	resp := ResponsePayload{ID: req.ID}

	path, ok := s.resolve(req.Path)
	if !ok {
		resp.Status = 404
		resp.Kind = KindNotFound
		return resp
	}

	data, err := os.ReadFile(path)
	if err != nil {
		resp.Status = 404
		resp.Kind = KindNotFound
		return resp
	}

	kind := kindForExtension(path)
	if kind == KindDynamic {
		out, err := s.sbx.Execute(context.Background(), string(data), sandbox.Request{
			URL:     req.URL,
			Method:  req.Method,
			Params:  req.Params,
			Headers: req.Headers,
			Cookies: req.Cookies,
			Body:    req.Body,
		})
		if err != nil {
			s.logger.Warn("dynamic page failed", "path", req.Path, "error", err)
			resp.Status = 500
			resp.Kind = KindText
			resp.Body = "script error"
			return resp
		}
		resp.Status = out.Status
		resp.Body = out.Body
		// Script output that parses as markup renders as markup;
		// anything else ships as plain text.
		if ast, perr := (MarkupParser{}).Parse([]byte(out.Body)); perr == nil {
			resp.Kind = KindMarkup
			resp.Title = ast.Title
		} else {
			resp.Kind = KindText
		}
		return resp
	}

	resp.Status = 200
	resp.Kind = kind
	resp.Body = string(data)
	if kind == KindMarkup {
		if ast, err := (MarkupParser{}).Parse(data); err == nil {
			resp.Title = ast.Title
		}
	}
	return resp
}

// resolve maps a request path to a file under the site root, probing
// index files for directories.
func (s *Server) resolve(reqPath string) (string, bool) {
	clean := filepath.Clean("/" + strings.TrimPrefix(reqPath, "/"))
	full := filepath.Join(s.root, clean)

	info, err := os.Stat(full)
	if err == nil && info.IsDir() {
		for _, name := range indexNames {
			candidate := filepath.Join(full, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, true
			}
		}
		return "", false
	}
	if err == nil {
		return full, true
	}
	if errors.Is(err, fs.ErrNotExist) {
		return "", false
	}
	return "", false
}
