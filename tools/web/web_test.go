package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/substratehq/substrate"
)

func TestFetchExtractsArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Test Page</title></head><body>
			<article><h1>Heading</h1><p>`+strings.Repeat("Readable body text. ", 40)+`</p></article>
		</body></html>`)
	}))
	defer srv.Close()

	tool := New("")
	res, err := tool.Execute(context.Background(), "web_fetch", json.RawMessage(`{"url":"`+srv.URL+`"}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Status != substrate.StatusSuccess {
		t.Fatalf("fetch failed: %s", res.Error)
	}
	if !strings.Contains(res.Content, "Readable body text.") {
		t.Errorf("content = %q, want article text", res.Content[:min(len(res.Content), 200)])
	}
	if res.Data["url"] == "" {
		t.Error("url missing from result data")
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	tool := New("")
	res, _ := tool.Execute(context.Background(), "web_fetch", json.RawMessage(`{"url":"`+srv.URL+`"}`))
	if res.Status != substrate.StatusError {
		t.Fatalf("404 should fail, got %s", res.Status)
	}
	if !strings.Contains(res.Error, "404") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestSearchRequiresKey(t *testing.T) {
	defs := New("").Definitions()
	for _, d := range defs {
		if d.Name == "web_search" {
			t.Error("web_search registered without an API key")
		}
	}
	defs = New("key").Definitions()
	found := false
	for _, d := range defs {
		if d.Name == "web_search" {
			found = true
			if !d.ReadOnly {
				t.Error("web_search must be read-only")
			}
		}
	}
	if !found {
		t.Error("web_search missing with an API key set")
	}
}

func TestStripHTML(t *testing.T) {
	in := `<html><script>var x = "<ignored>";</script><style>p{}</style>
		<body><p>Hello</p> <b>world</b></body></html>`
	got := stripHTML(in)
	if got != "Hello world" {
		t.Errorf("stripHTML = %q, want %q", got, "Hello world")
	}
}
