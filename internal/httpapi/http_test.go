package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostwatch/syncplay/internal/authstore"
	"github.com/frostwatch/syncplay/internal/catalog"
	"github.com/frostwatch/syncplay/internal/synchub"
	"github.com/frostwatch/syncplay/internal/syncstate"
)

type noopEncoder struct{}

func (noopEncoder) Encode(ctx context.Context, sourcePath, outputName, processedDir string) error {
	return nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "processed", "intro"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "processed", "intro", "master.m3u8"), []byte("#EXTM3U\n"), 0o644))

	auth := authstore.New("adminsecret", "viewsecret", time.Hour)
	cat := catalog.New(root, noopEncoder{})
	hub := synchub.New(nil, auth, cat)
	state := syncstate.New(syncstate.Params{
		DriftLow: 500 * time.Millisecond, DriftHigh: 1500 * time.Millisecond,
		MinSyncInterval: 200 * time.Millisecond, MaxSyncInterval: 2 * time.Second,
		SyncStep: 100 * time.Millisecond, RateStep: 0.01, BehindThreshold: -time.Second,
		RateTickPeriod: time.Second,
	}, hub.Observer())
	hub.BindState(state)

	return NewRouter(Deps{Auth: auth, Catalog: cat, Hub: hub, StartedAt: time.Now()})
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateSessionMissingToken(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/validate-session", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateSessionInvalidToken(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/validate-session", strings.NewReader(`{"token":"deadbeef"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVideoServesPlaylist(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/video/intro/master.m3u8", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
}

func TestVideoRejectsTraversal(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/video/intro/../../etc/passwd", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestVideoMissingFile(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/video/intro/missing.ts", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
