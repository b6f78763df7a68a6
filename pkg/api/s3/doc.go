// Package s3 implements the S3-compatible HTTP surface of the gateway.
//
// Requests flow through an ordered pipeline (rate limiting, body ingestion,
// SigV4 verification) before being routed to bucket and object handlers that
// translate the flat bucket/key model onto the backend's directory tree.
// Handlers produce a tagged result (payload or structured error) consumed by
// a single XML encoder; nothing writes to the response directly except the
// object download path, which streams.
package s3
