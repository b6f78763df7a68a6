package s3

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIngestBody_Plain(t *testing.T) {
	r := httptest.NewRequest(http.MethodPut, "/docs/a.txt", strings.NewReader("hello"))
	body, hash, err := ingestBody(r, 1<<20)
	if err != nil {
		t.Fatalf("ingestBody: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q", body)
	}
	if hash != sha256HexOf([]byte("hello")) {
		t.Fatalf("hash mismatch: %s", hash)
	}
}

func TestIngestBody_GetHasEmptyHash(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/docs/a.txt", nil)
	body, hash, err := ingestBody(r, 1<<20)
	if err != nil {
		t.Fatalf("ingestBody: %v", err)
	}
	if body != nil {
		t.Fatalf("expected nil body for GET")
	}
	if hash != emptyPayloadHash {
		t.Fatalf("hash = %s, want empty payload hash", hash)
	}
}

func TestIngestBody_TooLarge(t *testing.T) {
	r := httptest.NewRequest(http.MethodPut, "/docs/a.txt", strings.NewReader("0123456789"))
	if _, _, err := ingestBody(r, 5); !errors.Is(err, errBodyTooLarge) {
		t.Fatalf("expected errBodyTooLarge, got %v", err)
	}
}

func chunkFrame(payload string) string {
	return fmt.Sprintf("%x;chunk-signature=%s\r\n%s\r\n", len(payload), strings.Repeat("0", 64), payload)
}

func TestIngestBody_ChunkedDecode(t *testing.T) {
	framed := chunkFrame("hello ") + chunkFrame("world") + "0;chunk-signature=" + strings.Repeat("0", 64) + "\r\n\r\n"
	r := httptest.NewRequest(http.MethodPut, "/docs/a.txt", strings.NewReader(framed))
	r.Header.Set("x-amz-content-sha256", streamingPayloadSentinel)
	body, hash, err := ingestBody(r, 1<<20)
	if err != nil {
		t.Fatalf("ingestBody: %v", err)
	}
	if string(body) != "hello world" {
		t.Fatalf("decoded body = %q", body)
	}
	if hash != sha256HexOf([]byte("hello world")) {
		t.Fatalf("hash does not cover decoded payload")
	}
}

func TestDecodeChunkedPayload_BadSize(t *testing.T) {
	if _, err := decodeChunkedPayload(strings.NewReader("zz\r\nhello\r\n"), 1<<20); err == nil {
		t.Fatalf("expected error for invalid chunk size")
	}
}

func TestDecodeChunkedPayload_Truncated(t *testing.T) {
	if _, err := decodeChunkedPayload(strings.NewReader("5\r\nhe"), 1<<20); err == nil {
		t.Fatalf("expected error for truncated chunk")
	}
}

func TestDecodeChunkedPayload_OverLimit(t *testing.T) {
	framed := chunkFrame(strings.Repeat("a", 100))
	if _, err := decodeChunkedPayload(bytes.NewReader([]byte(framed)), 10); !errors.Is(err, errBodyTooLarge) {
		t.Fatalf("expected errBodyTooLarge, got %v", err)
	}
}
