package rewrite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"newsflow/internal/db"
	"newsflow/internal/domain"
	"newsflow/internal/provider"
	"newsflow/internal/transition"
)

func newGuard(t *testing.T) *transition.Guard {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "rewrite.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return transition.NewGuard(transition.NewSQLiteStore(conn, time.Minute))
}

func newItem(t *testing.T, g *transition.Guard, status domain.ContentStatus) domain.ContentItem {
	t.Helper()
	item, err := g.Create(context.Background(), domain.ContentItem{Title: "council budget", Status: status})
	require.NoError(t, err)
	return item
}

func job(t *testing.T, req Request) domain.Job {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	return domain.Job{ID: "job_1", JobType: JobType, Payload: payload}
}

func TestHandle_RewritesAndMovesToReview(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var in providerRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(providerResponse{Output: "rewritten: " + in.Text})
	}))
	defer srv.Close()

	g := newGuard(t)
	item := newItem(t, g, domain.ContentClassified)
	router := provider.NewRouter([]provider.Provider{{Name: "openai", Weight: 1, Endpoint: srv.URL, APIKey: "secret"}}, provider.Options{})
	h := New(router, g, srv.Client())

	raw, err := h.Handle(context.Background(), job(t, Request{ContentID: item.ID, Text: "draft"}))
	require.NoError(t, err)

	var res Result
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Equal(t, "openai", res.Provider)
	require.Equal(t, "rewritten: draft", res.Output)
	require.Equal(t, domain.ContentInReview, res.Status)
	require.Equal(t, domain.ContentDrafting, res.Previous)
	require.Equal(t, "Bearer secret", gotAuth)

	got, err := g.Get(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ContentInReview, got.Status)
}

func TestHandle_ProviderErrorLeavesItemDrafting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := newGuard(t)
	item := newItem(t, g, domain.ContentClassified)
	router := provider.NewRouter([]provider.Provider{{Name: "gemini", Weight: 1, Endpoint: srv.URL, APIKey: "k"}}, provider.Options{FailureThreshold: 1})
	h := New(router, g, srv.Client())

	_, err := h.Handle(context.Background(), job(t, Request{ContentID: item.ID, Text: "draft"}))
	require.ErrorContains(t, err, "503")

	got, err := g.Get(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ContentDrafting, got.Status)

	snap, err := router.Snapshot(context.Background())
	require.NoError(t, err)
	require.True(t, snap["gemini"].CircuitOpen)

	// circuit open and no default: the next attempt fails fast
	_, err = h.Handle(context.Background(), job(t, Request{ContentID: item.ID, Text: "draft"}))
	require.ErrorIs(t, err, provider.ErrUnavailable)
}

func TestHandle_DefaultProviderEchoesText(t *testing.T) {
	g := newGuard(t)
	item := newItem(t, g, domain.ContentDrafting)
	router := provider.NewRouter(nil, provider.Options{Default: "local"})
	h := New(router, g, nil)

	entity := item.ID
	j := job(t, Request{Text: "as is"})
	j.EntityID = &entity

	raw, err := h.Handle(context.Background(), j)
	require.NoError(t, err)

	var res Result
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Equal(t, "local", res.Provider)
	require.Equal(t, "as is", res.Output)
	require.Equal(t, domain.ContentInReview, res.Status)
}

func TestHandle_InvalidStartingStateFails(t *testing.T) {
	g := newGuard(t)
	item := newItem(t, g, domain.ContentPublished)
	h := New(provider.NewRouter(nil, provider.Options{Default: "local"}), g, nil)

	_, err := h.Handle(context.Background(), job(t, Request{ContentID: item.ID}))
	require.ErrorIs(t, err, transition.ErrInvalidTransition)
}

func TestHandle_AlreadyInReviewIsNoop(t *testing.T) {
	g := newGuard(t)
	item := newItem(t, g, domain.ContentInReview)
	h := New(provider.NewRouter(nil, provider.Options{}), g, nil)

	raw, err := h.Handle(context.Background(), job(t, Request{ContentID: item.ID}))
	require.NoError(t, err)
	require.Contains(t, string(raw), `"in_review"`)
}
