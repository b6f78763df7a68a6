package s3

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// streamingPayloadSentinel marks bodies sent with SigV4 chunk framing.
const streamingPayloadSentinel = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"

var emptyPayloadHash = sha256HexOf(nil)

var errBodyTooLarge = errors.New("s3: request body exceeds limit")

// ingestBody buffers the request body and computes its SHA-256 for the
// signature check. Bodies framed as aws-chunked are decoded first so the
// hash covers the actual payload bytes. maxBytes bounds the decoded size.
func ingestBody(r *http.Request, maxBytes int64) (body []byte, payloadHash string, err error) {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return nil, emptyPayloadHash, nil
	}
	if r.Header.Get("x-amz-content-sha256") == streamingPayloadSentinel ||
		strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") {
		body, err = decodeChunkedPayload(r.Body, maxBytes)
	} else {
		body, err = readBounded(r.Body, maxBytes)
	}
	if err != nil {
		return nil, "", err
	}
	return body, sha256HexOf(body), nil
}

func readBounded(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxBytes {
		return nil, errBodyTooLarge
	}
	return b, nil
}

// decodeChunkedPayload strips SigV4 streaming chunk framing:
//
//	<hex-size>;chunk-signature=<sig>\r\n<size bytes>\r\n
//
// terminated by a zero-size chunk. Chunk signatures are not re-verified;
// the payload hash of the reassembled body is what the request signature
// covers.
func decodeChunkedPayload(r io.Reader, maxBytes int64) ([]byte, error) {
	br := bufio.NewReader(r)
	var out bytes.Buffer
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("s3: reading chunk header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		sizeHex, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeHex), 16, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("s3: invalid chunk size %q", sizeHex)
		}
		if size == 0 {
			break
		}
		if int64(out.Len())+size > maxBytes {
			return nil, errBodyTooLarge
		}
		if _, err := io.CopyN(&out, br, size); err != nil {
			return nil, fmt.Errorf("s3: reading chunk payload: %w", err)
		}
		if err := consumeCRLF(br); err != nil {
			return nil, err
		}
	}
	return out.Bytes(), nil
}

func consumeCRLF(br *bufio.Reader) error {
	for _, want := range []byte("\r\n") {
		b, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("s3: reading chunk delimiter: %w", err)
		}
		if b != want {
			return fmt.Errorf("s3: malformed chunk delimiter")
		}
	}
	return nil
}

func sha256HexOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
