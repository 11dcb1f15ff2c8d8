package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxDocumentSize caps how much of a remote document is read.
const maxDocumentSize = 4 << 20

// Source is one place a configuration document can be read from.
type Source interface {
	// Location identifies the source in logs and source records.
	Location() string
	// Read returns the document and its last-modified time.
	Read(ctx context.Context) ([]byte, time.Time, error)
	// LastModified probes the source without reading the document.
	LastModified(ctx context.Context) (time.Time, error)
	// Resolve turns a reference found inside this document into a source.
	// Relative references are relative to this document.
	Resolve(ref string) (Source, error)
}

// HTTPClient is used by every HTTP source. Tests replace it.
var HTTPClient = &http.Client{Timeout: 30 * time.Second}

// NewSource accepts a file path, a file:// URL or an http(s):// URL.
func NewSource(location string) (Source, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, errors.New("config: empty source location")
	}

	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		return FileSource{Path: filepath.Clean(location)}, nil
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			return nil, fmt.Errorf("config: file URL %q has no path", location)
		}
		return FileSource{Path: filepath.Clean(path)}, nil
	case "http", "https":
		return HTTPSource{URL: u}, nil
	default:
		return nil, fmt.Errorf("config: unsupported source scheme %q", u.Scheme)
	}
}

// FileSource reads a document from the local filesystem. Its last-modified
// time is the file's mtime.
type FileSource struct {
	Path string
}

func (f FileSource) Location() string { return f.Path }

func (f FileSource) Read(ctx context.Context) ([]byte, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, err
	}
	info, err := os.Stat(f.Path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}

func (f FileSource) LastModified(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(f.Path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (f FileSource) Resolve(ref string) (Source, error) {
	if isURL(ref) || filepath.IsAbs(ref) {
		return NewSource(ref)
	}
	return FileSource{Path: filepath.Join(filepath.Dir(f.Path), ref)}, nil
}

// HTTPSource reads a document over HTTP. Its last-modified time comes from
// the Last-Modified response header; a server that sends none reports the
// zero time, so the document is never considered changed.
type HTTPSource struct {
	URL *url.URL
}

func (h HTTPSource) Location() string { return h.URL.String() }

func (h HTTPSource) Read(ctx context.Context) ([]byte, time.Time, error) {
	resp, err := h.do(ctx, http.MethodGet)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("config: reading %s: %w", h.Location(), err)
	}
	return data, lastModified(resp.Header), nil
}

func (h HTTPSource) LastModified(ctx context.Context) (time.Time, error) {
	resp, err := h.do(ctx, http.MethodHead)
	if err != nil {
		return time.Time{}, err
	}
	resp.Body.Close()
	return lastModified(resp.Header), nil
}

func (h HTTPSource) Resolve(ref string) (Source, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("config: invalid reference %q: %w", ref, err)
	}
	return NewSource(h.URL.ResolveReference(r).String())
}

func (h HTTPSource) do(ctx context.Context, method string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, h.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("config: %s %s: unexpected status %s", method, h.Location(), resp.Status)
	}
	return resp, nil
}

func lastModified(h http.Header) time.Time {
	v := h.Get("Last-Modified")
	if v == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && len(u.Scheme) > 1
}

// SourceRecord remembers a document's last-modified time as seen at load.
type SourceRecord struct {
	Source       Source
	LastModified time.Time
}

// Stale reports whether the source now has a different last-modified time.
func (r SourceRecord) Stale(ctx context.Context) (bool, error) {
	current, err := r.Source.LastModified(ctx)
	if err != nil {
		return false, fmt.Errorf("config: probing %s: %w", r.Source.Location(), err)
	}
	return !current.Equal(r.LastModified), nil
}

// Changed probes every record. It reports true when any record that could
// be probed has changed; probe failures are joined into the error and do
// not count as changes.
func Changed(ctx context.Context, records []SourceRecord) (bool, error) {
	var (
		changed bool
		errs    []error
	)
	for _, r := range records {
		stale, err := r.Stale(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if stale {
			changed = true
		}
	}
	return changed, errors.Join(errs...)
}
