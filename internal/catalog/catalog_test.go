package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchCandidates_DecodesFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"url":"https://market.example/card/a","title":"A","offer_id":"x1","priority":2}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	items, size, err := c.FetchCandidates(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0].OfferID != "x1" || items[0].Priority != 2 {
		t.Fatalf("unexpected item: %+v", items[0])
	}
	if size == 0 {
		t.Fatal("payload size not reported")
	}
}

func TestFetchCandidates_NonOKStillReportsSize(t *testing.T) {
	body := `<html>please verify you are human</html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	_, size, err := c.FetchCandidates(context.Background())
	if err == nil {
		t.Fatal("expected error on 403")
	}
	if size != len(body) {
		t.Fatalf("size = %d, want %d", size, len(body))
	}
}

func TestFetchCandidates_DecoyPageReportsSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>decoy</html>`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	_, size, err := c.FetchCandidates(context.Background())
	if err == nil {
		t.Fatal("expected decode error")
	}
	if size == 0 {
		t.Fatal("payload size lost on decode failure")
	}
}

func TestFetchCandidates_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := New(srv.URL, 5*time.Second)
	if _, _, err := c.FetchCandidates(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
