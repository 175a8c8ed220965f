package server

import (
	"cmp"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"mime"
	"net/http"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/wolfeidau/artifact-repo/backend"
	"github.com/wolfeidau/artifact-repo/telemetry"
)

const allowedMethods = "GET, HEAD, PUT"

// contentTypes covers Maven extensions that mime does not know or gets wrong.
var contentTypes = map[string]string{
	".pom":    "application/xml",
	".xml":    "application/xml",
	".jar":    "application/java-archive",
	".war":    "application/java-archive",
	".module": "application/json",
	".asc":    "text/plain",
	".md5":    "text/plain",
	".sha1":   "text/plain",
	".sha256": "text/plain",
	".sha512": "text/plain",
}

// listingEntry is the JSON form of a directory child.
type listingEntry struct {
	Name      string     `json:"name"`
	Path      string     `json:"path"`
	Directory bool       `json:"directory"`
	Size      uint64     `json:"size"`
	Created   *time.Time `json:"created,omitempty"`
}

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Index of {{.Title}}</title></head>
<body>
<h1>Index of {{.Title}}</h1>
<table>
<tr><th>Name</th><th>Last modified</th><th>Size</th></tr>
{{- if .ShowParent}}
<tr><td><a href="../">../</a></td><td></td><td></td></tr>
{{- end}}
{{- range .Lines}}
<tr><td><a href="{{.Link}}">{{.Label}}</a></td><td>{{.Date}}</td><td>{{.Size}}</td></tr>
{{- end}}
</table>
</body>
</html>
`))

type listingPage struct {
	Title      string
	ShowParent bool
	Lines      []listingLine
}

type listingLine struct {
	Label string
	Link  string
	Date  string
	Size  string
}

// handleRepositories lists every repository name, physical then virtual.
func (s *Server) handleRepositories(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "repositories")

	repos, err := s.backend.Repositories(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, repos)
		return
	}

	page := listingPage{Title: "/"}
	for _, repo := range repos {
		page.Lines = append(page.Lines, listingLine{Label: repo + "/", Link: "/" + repo + "/", Size: "-"})
	}
	s.renderListing(w, page)
}

// handleRepository dispatches requests addressed to /{repository}/{path...}.
func (s *Server) handleRepository(w http.ResponseWriter, r *http.Request) {
	repository := r.PathValue("repository")
	p := strings.TrimSuffix(r.PathValue("path"), "/")
	telemetry.SetRepository(r, repository, s.isVirtual(repository))

	if err := backend.ValidatePath(p); err != nil {
		s.writeError(w, r, err)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.handleGet(w, r, repository, p)
	case http.MethodPut:
		s.requireUser(func(w http.ResponseWriter, r *http.Request) {
			s.handlePut(w, r, repository, p)
		})(w, r)
	default:
		w.Header().Set("Allow", allowedMethods)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, repository, p string) {
	ctx := r.Context()

	entry, ok, err := s.backend.GetEntry(ctx, repository, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, backend.ErrNotFound)
		return
	}

	if entry.IsDirectory {
		s.serveDirectory(w, r, entry)
		return
	}
	s.serveFile(w, r, entry)
}

func (s *Server) serveDirectory(w http.ResponseWriter, r *http.Request, dir backend.Entry) {
	telemetry.SetEndpoint(r, "listing")

	entries, err := s.backend.ListDirectory(r.Context(), dir.Repository, dir.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sortListing(entries)

	if wantsJSON(r) {
		out := make([]listingEntry, 0, len(entries))
		for _, e := range entries {
			le := listingEntry{Name: e.Name(), Path: e.Path, Directory: e.IsDirectory, Size: e.Size}
			if !e.CreatedAt.IsZero() {
				created := e.CreatedAt.UTC()
				le.Created = &created
			}
			out = append(out, le)
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	page := listingPage{
		Title:      "/" + backend.JoinPath(dir.Repository, dir.Path),
		ShowParent: true,
	}
	for _, e := range entries {
		line := listingLine{
			Label: e.Name(),
			Link:  "/" + e.Repository + "/" + e.Path,
			Size:  "-",
		}
		if e.IsDirectory {
			line.Label += "/"
			line.Link += "/"
		} else {
			line.Size = strconv.FormatUint(e.Size, 10)
		}
		if !e.CreatedAt.IsZero() {
			line.Date = e.CreatedAt.UTC().Format("2006-01-02 15:04")
		}
		page.Lines = append(page.Lines, line)
	}
	s.renderListing(w, page)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, entry backend.Entry) {
	telemetry.SetEndpoint(r, "file")

	h := w.Header()
	h.Set("Content-Type", contentType(entry.Path))
	h.Set("Content-Length", strconv.FormatUint(entry.Size, 10))
	if !entry.CreatedAt.IsZero() {
		h.Set("Last-Modified", entry.CreatedAt.UTC().Format(http.TimeFormat))
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	rc, err := s.backend.OpenRead(r.Context(), entry.Repository, entry.Path)
	if err != nil {
		h.Del("Content-Length")
		h.Del("Last-Modified")
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; the client sees a short body.
		s.logger.Warn("streaming file failed",
			"repository", entry.Repository,
			"path", entry.Path,
			"error", err,
		)
	}
}

// handlePut stores the request body, creating the parent directory first
// when it does not exist.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, repository, p string) {
	telemetry.SetEndpoint(r, "upload")
	ctx := r.Context()

	if p == "" {
		s.writeError(w, r, backend.ErrInvalidPath)
		return
	}

	if parent := backend.ParentPath(p); parent != "" {
		exists, err := s.backend.Exists(ctx, repository, parent)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !exists {
			if err := s.backend.EnsureDirectory(ctx, repository, parent); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
	}

	if err := s.backend.WriteFile(ctx, repository, p, r.Body); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Debug("stored file", "repository", repository, "path", p)
	w.WriteHeader(http.StatusCreated)
}

// writeError maps backend errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errors.Is(err, backend.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, backend.ErrInvalidPath):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, backend.ErrReadOnly):
		status, msg = http.StatusMethodNotAllowed, err.Error()
		w.Header().Set("Allow", "GET, HEAD")
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}

	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) renderListing(w http.ResponseWriter, page listingPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := listingTemplate.Execute(w, page); err != nil {
		s.logger.Warn("rendering listing failed", "error", err)
	}
}

// sortListing orders files before directories, each by path.
func sortListing(entries []backend.Entry) {
	slices.SortFunc(entries, func(a, b backend.Entry) int {
		if a.IsDirectory != b.IsDirectory {
			if a.IsDirectory {
				return 1
			}
			return -1
		}
		return cmp.Compare(a.Path, b.Path)
	})
}

func contentType(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
