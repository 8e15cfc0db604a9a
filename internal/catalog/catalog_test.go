package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/cnpjsync/internal/core"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listing(hrefs ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><pre>")
	b.WriteString(`<a href="../">Parent Directory</a>`)
	for _, h := range hrefs {
		fmt.Fprintf(&b, `<a href="%s">%s</a>`+"\n", h, h)
	}
	b.WriteString("</pre></body></html>")
	return b.String()
}

func newServer(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLatestPartition_PicksGreatest(t *testing.T) {
	t.Parallel()

	srv := newServer(t, map[string]string{
		"/": listing("2023-01/", "2023-02/", "2022-12/", "temp/", "LEIAME.pdf"),
	})
	c := NewClient(5*time.Second, "test", quietLogger())

	p, err := c.LatestPartition(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, Partition("2023-02"), p)
}

func TestLatestPartition_NoMatches(t *testing.T) {
	t.Parallel()

	srv := newServer(t, map[string]string{"/": listing("temp/", "docs/")})
	c := NewClient(5*time.Second, "test", quietLogger())

	_, err := c.LatestPartition(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "CAT002", core.MapError(err).Code)
}

func TestLatestPartition_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(5*time.Second, "test", quietLogger())

	_, err := c.LatestPartition(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCatalogUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "CAT001", core.MapError(err).Code)

	var se *core.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode())
}

func TestListArchives(t *testing.T) {
	t.Parallel()

	srv := newServer(t, map[string]string{
		"/2023-02/": listing("Empresas0.zip", "Empresas1.ZIP", "Empresas0.zip", "LEIAME.pdf", "Cnaes.zip"),
	})
	c := NewClient(5*time.Second, "test", quietLogger())

	files, err := c.ListArchives(context.Background(), srv.URL+"/2023-02")
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, "Empresas0.zip", files[0].Name)
	assert.Equal(t, "Empresas1.ZIP", files[1].Name)
	assert.Equal(t, "Cnaes.zip", files[2].Name)
	assert.Equal(t, srv.URL+"/2023-02/Cnaes.zip", files[2].URL)
	for _, f := range files {
		assert.Equal(t, int64(-1), f.Size)
	}
}

func TestListArchives_Empty(t *testing.T) {
	t.Parallel()

	srv := newServer(t, map[string]string{"/2023-02/": listing("LEIAME.pdf")})
	c := NewClient(5*time.Second, "test", quietLogger())

	files, err := c.ListArchives(context.Background(), srv.URL+"/2023-02/")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestListArchives_Unreachable(t *testing.T) {
	t.Parallel()

	srv := newServer(t, map[string]string{})
	c := NewClient(5*time.Second, "test", quietLogger())

	_, err := c.ListArchives(context.Background(), srv.URL+"/2023-02/")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCatalogUnavailable)
}

func TestPartitionURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base string
		want string
	}{
		{"https://example.org/dados", "https://example.org/dados/2024-05/"},
		{"https://example.org/dados/", "https://example.org/dados/2024-05/"},
	}
	for _, tt := range tests {
		got, err := PartitionURL(tt.base, "2024-05")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
