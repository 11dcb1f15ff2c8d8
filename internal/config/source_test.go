package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSource(t *testing.T) {
	tests := []struct {
		in       string
		wantType any
		wantLoc  string
		wantErr  bool
	}{
		{"/etc/bullfinch/config.json", FileSource{}, "/etc/bullfinch/config.json", false},
		{"relative/config.json", FileSource{}, "relative/config.json", false},
		{"file:///etc/bullfinch/config.json", FileSource{}, "/etc/bullfinch/config.json", false},
		{"http://config.internal/bullfinch.json", HTTPSource{}, "http://config.internal/bullfinch.json", false},
		{"https://config.internal/bullfinch.json", HTTPSource{}, "https://config.internal/bullfinch.json", false},
		{"ftp://config.internal/bullfinch.json", nil, "", true},
		{"  ", nil, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			src, err := NewSource(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, src)
			assert.Equal(t, tt.wantLoc, src.Location())
		})
	}
}

func TestFileSourceResolve(t *testing.T) {
	src := FileSource{Path: "/etc/bullfinch/root.json"}

	rel, err := src.Resolve("workers/a.json")
	require.NoError(t, err)
	assert.Equal(t, "/etc/bullfinch/workers/a.json", rel.Location())

	abs, err := src.Resolve("/opt/a.json")
	require.NoError(t, err)
	assert.Equal(t, "/opt/a.json", abs.Location())

	remote, err := src.Resolve("https://config.internal/a.json")
	require.NoError(t, err)
	assert.IsType(t, HTTPSource{}, remote)
}

func TestFileSourceStaleness(t *testing.T) {
	p := filepath.Join(t.TempDir(), "root.json")
	require.NoError(t, os.WriteFile(p, []byte(`{}`), 0o644))
	loadedAt := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(p, loadedAt, loadedAt))

	src := FileSource{Path: p}
	data, modified, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))
	record := SourceRecord{Source: src, LastModified: modified}

	stale, err := record.Stale(context.Background())
	require.NoError(t, err)
	assert.False(t, stale)

	touched := loadedAt.Add(time.Minute)
	require.NoError(t, os.Chtimes(p, touched, touched))
	stale, err = record.Stale(context.Background())
	require.NoError(t, err)
	assert.True(t, stale)

	require.NoError(t, os.Remove(p))
	stale, err = record.Stale(context.Background())
	assert.Error(t, err)
	assert.False(t, stale, "a failed probe is never stale")
}

type lastModifiedServer struct {
	mu       sync.Mutex
	modified time.Time
	status   int
	heads    int
}

func (s *lastModifiedServer) set(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modified = t
}

func (s *lastModifiedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Method == http.MethodHead {
		s.heads++
	}
	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	if !s.modified.IsZero() {
		w.Header().Set("Last-Modified", s.modified.UTC().Format(http.TimeFormat))
	}
	switch r.URL.Path {
	case "/root.json":
		_, _ = w.Write([]byte(`{"workers": [{"$ref": "workers/echo.json"}]}`))
	case "/workers/echo.json":
		_, _ = w.Write([]byte(`{"name": "echo", "worker_class": "echo", "options": {"subscribe_to": "q", "timeout": 10, "broker": "channel"}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestHTTPSourceLoadAndProbe(t *testing.T) {
	first := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	handler := &lastModifiedServer{modified: first}
	server := httptest.NewServer(handler)
	defer server.Close()

	src, err := NewSource(server.URL + "/root.json")
	require.NoError(t, err)

	loaded, err := Load(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, loaded.Sources, 2)
	assert.Equal(t, server.URL+"/workers/echo.json", loaded.Sources[1].Source.Location())
	assert.True(t, loaded.Sources[0].LastModified.Equal(first))

	changed, err := Changed(context.Background(), loaded.Sources)
	require.NoError(t, err)
	assert.False(t, changed)

	handler.set(first.Add(time.Hour))
	changed, err = Changed(context.Background(), loaded.Sources)
	require.NoError(t, err)
	assert.True(t, changed)

	handler.mu.Lock()
	assert.Equal(t, 4, handler.heads, "every record is probed with HEAD")
	handler.mu.Unlock()
}

func TestHTTPSourceErrors(t *testing.T) {
	handler := &lastModifiedServer{status: http.StatusServiceUnavailable}
	server := httptest.NewServer(handler)
	defer server.Close()

	src, err := NewSource(server.URL + "/root.json")
	require.NoError(t, err)

	_, _, err = src.Read(context.Background())
	assert.ErrorContains(t, err, "unexpected status")

	record := SourceRecord{Source: src, LastModified: time.Now()}
	changed, err := Changed(context.Background(), []SourceRecord{record})
	assert.Error(t, err)
	assert.False(t, changed)
}

func TestHTTPSourceWithoutLastModifiedIsNeverStale(t *testing.T) {
	server := httptest.NewServer(&lastModifiedServer{})
	defer server.Close()

	src, err := NewSource(server.URL + "/root.json")
	require.NoError(t, err)
	_, modified, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.True(t, modified.IsZero())

	stale, err := SourceRecord{Source: src, LastModified: modified}.Stale(context.Background())
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestChangedInspectsEveryRecord(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	for _, p := range []string{a, b} {
		require.NoError(t, os.WriteFile(p, []byte(`{}`), 0o644))
	}
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(a, base, base))
	require.NoError(t, os.Chtimes(b, base, base))

	records := []SourceRecord{
		{Source: FileSource{Path: filepath.Join(dir, "gone.json")}},
		{Source: FileSource{Path: a}, LastModified: base},
		{Source: FileSource{Path: b}, LastModified: base},
	}

	changed, err := Changed(context.Background(), records)
	assert.Error(t, err)
	assert.False(t, changed)

	later := base.Add(time.Minute)
	require.NoError(t, os.Chtimes(b, later, later))
	changed, err = Changed(context.Background(), records)
	assert.Error(t, err, "the missing record still reports its probe failure")
	assert.True(t, changed, "a change in the last record is found")
}
