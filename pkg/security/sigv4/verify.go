// Package sigv4 verifies AWS Signature Version 4 request signatures against
// the gateway's single configured identity. Verification is stateless: given
// the request, the payload hash, and the shared secret it answers
// accept/reject and nothing else. The secret and the derived signing key are
// never logged.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Identity is the static credential pair every request is checked against.
type Identity struct {
	AccessKeyID string
	SecretKey   string
}

// AuthDetails is the parsed Authorization header. Request-scoped.
type AuthDetails struct {
	AccessKeyID   string
	Scope         string // date/region/service/aws4_request
	SignedHeaders []string
	Signature     string
}

// Errors returned by the verifier. Malformed input maps to 400 upstream,
// a mismatch to 403. The mismatch error deliberately does not say whether
// the access key or the signature was wrong.
var (
	ErrMalformed         = errors.New("sigv4: malformed authorization")
	ErrSignatureMismatch = errors.New("sigv4: signature mismatch")
)

// Authorization: AWS4-HMAC-SHA256 Credential=<AKID>/<scope>, SignedHeaders=<h1;h2>, Signature=<hex>
var (
	authPattern  = regexp.MustCompile(`^AWS4-HMAC-SHA256 Credential=(.+), SignedHeaders=(.+), Signature=(.+)$`)
	tightCommaRe = regexp.MustCompile(`,(\S)`)
)

// ParseAuthorization parses a SigV4 Authorization header. Header-value
// whitespace variants ("...,SignedHeaders=...") are normalized before
// matching. Also used by the rate limiter for accessKey key derivation.
func ParseAuthorization(header string) (AuthDetails, error) {
	normalized := tightCommaRe.ReplaceAllString(strings.TrimSpace(header), ", $1")
	m := authPattern.FindStringSubmatch(normalized)
	if m == nil {
		return AuthDetails{}, ErrMalformed
	}
	credential, signedHeaders, signature := m[1], m[2], m[3]
	akid, scope, ok := strings.Cut(credential, "/")
	if !ok || akid == "" {
		return AuthDetails{}, ErrMalformed
	}
	var headers []string
	for _, h := range strings.Split(signedHeaders, ";") {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			headers = append(headers, h)
		}
	}
	if len(headers) == 0 || signature == "" {
		return AuthDetails{}, ErrMalformed
	}
	return AuthDetails{
		AccessKeyID:   akid,
		Scope:         scope,
		SignedHeaders: headers,
		Signature:     strings.TrimSpace(signature),
	}, nil
}

// Verify checks the request signature. payloadHash is the lowercase hex
// SHA-256 of the fully buffered (or chunk-decoded) request body.
func Verify(r *http.Request, payloadHash string, ident Identity, region, service string) error {
	details, err := ParseAuthorization(r.Header.Get("Authorization"))
	if err != nil {
		return err
	}
	amzDate := r.Header.Get("x-amz-date")
	if len(amzDate) < 8 {
		return ErrMalformed
	}
	date := amzDate[:8]

	canonical := buildCanonicalRequest(r, details.SignedHeaders, payloadHash)
	stringToSign := buildStringToSign(amzDate, date, region, service, sha256Hex([]byte(canonical)))
	signingKey := deriveSigningKey(ident.SecretKey, date, region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))

	if details.AccessKeyID != ident.AccessKeyID || details.Signature != signature {
		return ErrSignatureMismatch
	}
	return nil
}

// buildCanonicalRequest assembles the canonical request: method, literal
// path, sorted query, signed headers, header list, payload hash, joined by
// newlines.
func buildCanonicalRequest(r *http.Request, signedHeaders []string, payloadHash string) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(r.Method))
	b.WriteByte('\n')
	b.WriteString(r.URL.EscapedPath())
	b.WriteByte('\n')
	b.WriteString(canonicalQueryString(r.URL.Query()))
	b.WriteByte('\n')
	for _, h := range signedHeaders {
		b.WriteString(h)
		b.WriteByte(':')
		b.WriteString(headerValue(r, h))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(strings.Join(signedHeaders, ";"))
	b.WriteByte('\n')
	b.WriteString(payloadHash)
	return b.String()
}

func buildStringToSign(amzDate, date, region, service, canonicalHash string) string {
	scope := date + "/" + region + "/" + service + "/aws4_request"
	return strings.Join([]string{"AWS4-HMAC-SHA256", amzDate, scope, canonicalHash}, "\n")
}

// deriveSigningKey runs the four-step HMAC chain seeded with "AWS4"+secret.
func deriveSigningKey(secret, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(date))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func canonicalQueryString(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, percentEncode(k)+"="+percentEncode(v))
		}
	}
	return strings.Join(parts, "&")
}

// percentEncode escapes per RFC 3986 (space as %20, not +).
func percentEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func headerValue(r *http.Request, name string) string {
	if name == "host" {
		return strings.TrimSpace(r.Host)
	}
	return strings.TrimSpace(r.Header.Get(name))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}
