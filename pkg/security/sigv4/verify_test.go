package sigv4

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var testIdentity = Identity{
	AccessKeyID: "AKIDEXAMPLE",
	SecretKey:   "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
}

const (
	testRegion  = "filen"
	testService = "s3"
	testAmzDate = "20250101T120000Z"
)

// signRequest computes a valid Authorization header for r using the same
// canonicalization the verifier uses, from the client's perspective.
func signRequest(r *http.Request, payloadHash string, ident Identity) string {
	details := []string{"host", "x-amz-date"}
	canonical := buildCanonicalRequest(r, details, payloadHash)
	date := testAmzDate[:8]
	stringToSign := buildStringToSign(testAmzDate, date, testRegion, testService, sha256Hex([]byte(canonical)))
	key := deriveSigningKey(ident.SecretKey, date, testRegion, testService)
	sig := hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))
	return fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s/%s/%s/aws4_request, SignedHeaders=%s, Signature=%s",
		ident.AccessKeyID, date, testRegion, testService, strings.Join(details, ";"), sig,
	)
}

func newSignedRequest(t *testing.T, method, target, payloadHash string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	r.Header.Set("x-amz-date", testAmzDate)
	r.Header.Set("Authorization", signRequest(r, payloadHash, testIdentity))
	return r
}

func TestVerify_Accepts(t *testing.T) {
	hash := sha256Hex([]byte("hello"))
	r := newSignedRequest(t, http.MethodPut, "http://example.com/bucket/obj.txt", hash)
	if err := Verify(r, hash, testIdentity, testRegion, testService); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerify_AcceptsQueryRequest(t *testing.T) {
	hash := sha256Hex(nil)
	r := newSignedRequest(t, http.MethodGet, "http://example.com/bucket?prefix=a%20b&delimiter=%2F", hash)
	if err := Verify(r, hash, testIdentity, testRegion, testService); err != nil {
		t.Fatalf("Verify with query: %v", err)
	}
}

func TestVerify_RejectsFlippedSignatureByte(t *testing.T) {
	hash := sha256Hex([]byte("hello"))
	r := newSignedRequest(t, http.MethodPut, "http://example.com/bucket/obj.txt", hash)
	auth := r.Header.Get("Authorization")
	// flip the last hex digit of the signature
	last := auth[len(auth)-1]
	flip := byte('0')
	if last == '0' {
		flip = '1'
	}
	r.Header.Set("Authorization", auth[:len(auth)-1]+string(flip))
	if err := Verify(r, hash, testIdentity, testRegion, testService); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerify_RejectsTamperedBody(t *testing.T) {
	hash := sha256Hex([]byte("hello"))
	r := newSignedRequest(t, http.MethodPut, "http://example.com/bucket/obj.txt", hash)
	tampered := sha256Hex([]byte("hellp"))
	if err := Verify(r, tampered, testIdentity, testRegion, testService); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerify_RejectsTamperedSignedHeader(t *testing.T) {
	hash := sha256Hex(nil)
	r := newSignedRequest(t, http.MethodGet, "http://example.com/bucket/obj", hash)
	r.Header.Set("x-amz-date", "20250101T120001Z")
	if err := Verify(r, hash, testIdentity, testRegion, testService); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerify_WrongAccessKeySameError(t *testing.T) {
	hash := sha256Hex(nil)
	r := httptest.NewRequest(http.MethodGet, "http://example.com/bucket/obj", nil)
	r.Header.Set("x-amz-date", testAmzDate)
	other := Identity{AccessKeyID: "AKIDOTHER", SecretKey: testIdentity.SecretKey}
	r.Header.Set("Authorization", signRequest(r, hash, other))
	err := Verify(r, hash, testIdentity, testRegion, testService)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
	// identical error for a bad signature with the right key
	r2 := newSignedRequest(t, http.MethodGet, "http://example.com/bucket/obj", hash)
	r2.Header.Set("Authorization", strings.Replace(r2.Header.Get("Authorization"), "Signature=", "Signature=ff", 1))
	err2 := Verify(r2, hash, testIdentity, testRegion, testService)
	if err.Error() != err2.Error() {
		t.Fatalf("mismatch errors must not leak the cause: %q vs %q", err, err2)
	}
}

func TestVerify_MissingDateIsMalformed(t *testing.T) {
	hash := sha256Hex(nil)
	r := newSignedRequest(t, http.MethodGet, "http://example.com/bucket/obj", hash)
	r.Header.Del("x-amz-date")
	if err := Verify(r, hash, testIdentity, testRegion, testService); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParseAuthorization_ToleratesTightCommas(t *testing.T) {
	h := "AWS4-HMAC-SHA256 Credential=AK/20250101/filen/s3/aws4_request,SignedHeaders=host;x-amz-date,Signature=abc"
	d, err := ParseAuthorization(h)
	if err != nil {
		t.Fatalf("ParseAuthorization: %v", err)
	}
	if d.AccessKeyID != "AK" || d.Signature != "abc" {
		t.Fatalf("unexpected details: %+v", d)
	}
	if len(d.SignedHeaders) != 2 || d.SignedHeaders[0] != "host" || d.SignedHeaders[1] != "x-amz-date" {
		t.Fatalf("unexpected signed headers: %v", d.SignedHeaders)
	}
}

func TestParseAuthorization_Malformed(t *testing.T) {
	cases := []string{
		"",
		"AWS4-HMAC-SHA256",
		"AWS4-HMAC-SHA256 Credential=AK/scope, Signature=abc",
		"AWS4-HMAC-SHA256 SignedHeaders=host, Signature=abc",
		"Basic dXNlcjpwYXNz",
	}
	for _, c := range cases {
		if _, err := ParseAuthorization(c); !errors.Is(err, ErrMalformed) {
			t.Fatalf("header %q: expected ErrMalformed, got %v", c, err)
		}
	}
}

func TestCanonicalQueryStringSorting(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/test?b=2&a=3&a=1&space=a%20b", nil)
	got := canonicalQueryString(r.URL.Query())
	want := "a=1&a=3&b=2&space=a%20b"
	if got != want {
		t.Fatalf("canonicalQueryString mismatch: got %q want %q", got, want)
	}
}
