package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHTTPSupplierFetchesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pack-bytes"))
	}))
	defer srv.Close()

	s := NewHTTPSupplier(srv.URL)
	var buf bytes.Buffer
	if err := s.Fetch(context.Background(), "manifest.sfmf", &buf); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if buf.String() != "pack-bytes" {
		t.Errorf("body = %q, want %q", buf.String(), "pack-bytes")
	}
}

func TestHTTPSupplierNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewHTTPSupplier(srv.URL)
	var buf bytes.Buffer
	if err := s.Fetch(context.Background(), "missing.pack", &buf); err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}

func TestThroughputReaderFailsBelowFloorAfterWarmup(t *testing.T) {
	r := &throughputReader{
		r:                bytes.NewReader([]byte("x")),
		floorBytesPerSec: 1 << 30, // impossibly high floor
		warmup:           0,
		start:            time.Now().Add(-1 * time.Hour), // warmup already elapsed
	}
	buf := make([]byte, 1)
	if _, err := r.Read(buf); err == nil {
		t.Fatal("expected throughput floor to trip immediately given an elapsed warmup and impossible floor")
	}
}

func TestThroughputReaderIgnoresFloorDuringWarmup(t *testing.T) {
	r := &throughputReader{
		r:                bytes.NewReader([]byte("x")),
		floorBytesPerSec: 1 << 30,
		warmup:           time.Hour,
		start:            time.Now(),
	}
	buf := make([]byte, 1)
	if _, err := r.Read(buf); err != nil {
		t.Errorf("expected no error during warmup window, got %v", err)
	}
}

func TestDirSupplierFetchesLocalFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "blob.bin"), []byte("local-bytes"), 0644); err != nil {
		t.Fatalf("fixture: %v", err)
	}

	s := &DirSupplier{Root: root}
	var buf bytes.Buffer
	if err := s.Fetch(context.Background(), "blob.bin", &buf); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if buf.String() != "local-bytes" {
		t.Errorf("body = %q, want %q", buf.String(), "local-bytes")
	}
}
