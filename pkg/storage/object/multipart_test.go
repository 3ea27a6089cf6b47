package object

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestMultipartUploadLifecycle(t *testing.T) {
	var (
		initContentType string
		partBodies      []string
		partNumbers     []string
		completeBody    string
		aborted         bool
	)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.RawQuery == "uploads":
			initContentType = r.Header.Get("Content-Type")
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte(`<InitiateMultipartUploadResult><UploadId>up-123</UploadId></InitiateMultipartUploadResult>`))
		case r.Method == http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			partBodies = append(partBodies, string(body))
			partNumbers = append(partNumbers, r.URL.Query().Get("partNumber"))
			w.Header().Set("ETag", `"etag-`+r.URL.Query().Get("partNumber")+`"`)
		case r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			completeBody = string(body)
		case r.Method == http.MethodDelete:
			aborted = true
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	uploadID, err := client.BeginMultipartUpload(ctx, "sessions/abc/photo.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if uploadID != "up-123" {
		t.Fatalf("unexpected upload id %q", uploadID)
	}
	if initContentType != "image/jpeg" {
		t.Fatalf("content type not sent, got %q", initContentType)
	}

	etag1, err := client.UploadPart(ctx, "sessions/abc/photo.jpg", uploadID, 1, 5, strings.NewReader("first"))
	if err != nil {
		t.Fatalf("part 1: %v", err)
	}
	etag2, err := client.UploadPart(ctx, "sessions/abc/photo.jpg", uploadID, 2, 6, strings.NewReader("second"))
	if err != nil {
		t.Fatalf("part 2: %v", err)
	}
	if etag1 != "etag-1" || etag2 != "etag-2" {
		t.Fatalf("unexpected etags %q %q", etag1, etag2)
	}
	if partBodies[0] != "first" || partBodies[1] != "second" {
		t.Fatalf("unexpected part bodies %v", partBodies)
	}
	if partNumbers[0] != "1" || partNumbers[1] != "2" {
		t.Fatalf("unexpected part numbers %v", partNumbers)
	}

	err = client.CompleteMultipartUpload(ctx, "sessions/abc/photo.jpg", uploadID, []CompletedPart{
		{PartNumber: 1, ETag: etag1},
		{PartNumber: 2, ETag: etag2},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !strings.Contains(completeBody, "etag-1") || !strings.Contains(completeBody, "etag-2") {
		t.Fatalf("complete payload missing parts: %s", completeBody)
	}

	if err := client.AbortMultipartUpload(ctx, "sessions/abc/photo.jpg", uploadID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if !aborted {
		t.Fatal("abort request never reached the store")
	}
}

func TestMultipartUploadValidation(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx := context.Background()

	if _, err := client.BeginMultipartUpload(ctx, "", "image/jpeg"); err == nil {
		t.Fatal("expected key validation error")
	}
	if _, err := client.UploadPart(ctx, "k", "", 1, 0, strings.NewReader("x")); err == nil {
		t.Fatal("expected upload id validation error")
	}
	if _, err := client.UploadPart(ctx, "k", "up", 0, 0, strings.NewReader("x")); err == nil {
		t.Fatal("expected part number validation error")
	}
	if err := client.CompleteMultipartUpload(ctx, "k", "up", nil); err == nil {
		t.Fatal("expected empty parts validation error")
	}
	// aborting with no upload id is a no-op, not an error
	if err := client.AbortMultipartUpload(ctx, "k", ""); err != nil {
		t.Fatalf("abort without id: %v", err)
	}
}
