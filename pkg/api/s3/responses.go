package s3

import (
	"encoding/xml"
	"log/slog"
	"net/http"
	"strconv"
)

const (
	xmlDeclaration = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"
	s3Xmlns        = "http://s3.amazonaws.com/doc/2006-03-01/"
)

// apiResult is the single outcome type every handler returns. Either payload
// carries an XML-marshalable body, or code/message describe an S3 error.
// A nil apiResult means the handler already streamed the response itself.
type apiResult struct {
	status  int
	payload any
	header  http.Header
	code    string
	message string
}

func okResult(status int, payload any) *apiResult {
	return &apiResult{status: status, payload: payload}
}

func errResult(status int, code, message string) *apiResult {
	return &apiResult{status: status, code: code, message: message}
}

// setHeader attaches an extra response header to the result.
func (r *apiResult) setHeader(key, value string) *apiResult {
	if r.header == nil {
		r.header = make(http.Header)
	}
	r.header.Set(key, value)
	return r
}

// Common error results. Codes and status pairing follow the S3 error model.
func badRequest(message string) *apiResult {
	return errResult(http.StatusBadRequest, "BadRequest", message)
}

func forbidden() *apiResult {
	return errResult(http.StatusForbidden, "AccessDenied", "access denied")
}

func noSuchBucket() *apiResult {
	return errResult(http.StatusNotFound, "NoSuchBucket", "the specified bucket does not exist")
}

func noSuchKey() *apiResult {
	return errResult(http.StatusNotFound, "NoSuchKey", "the specified key does not exist")
}

func preconditionFailed(message string) *apiResult {
	return errResult(http.StatusPreconditionFailed, "PreconditionFailed", message)
}

func internalError() *apiResult {
	return errResult(http.StatusInternalServerError, "InternalError", "internal error")
}

func notImplemented() *apiResult {
	return errResult(http.StatusNotImplemented, "NotImplemented", "operation not implemented")
}

func slowDown(retryAfterSeconds int) *apiResult {
	r := errResult(http.StatusTooManyRequests, "SlowDown", "please reduce your request rate")
	return r.setHeader("Retry-After", strconv.Itoa(retryAfterSeconds))
}

// XML payload shapes. Field order matches the order S3 emits them in.

type s3Error struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

type listAllMyBucketsResult struct {
	XMLName xml.Name `xml:"ListAllMyBucketsResult"`
	Xmlns   string   `xml:"xmlns,attr"`
	Owner   owner    `xml:"Owner"`
	Buckets buckets  `xml:"Buckets"`
}

type owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

type buckets struct {
	Bucket []bucketEntry `xml:"Bucket"`
}

type bucketEntry struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

type listBucketResult struct {
	XMLName        xml.Name       `xml:"ListBucketResult"`
	Xmlns          string         `xml:"xmlns,attr"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	Delimiter      string         `xml:"Delimiter,omitempty"`
	MaxKeys        int            `xml:"MaxKeys"`
	KeyCount       int            `xml:"KeyCount"`
	IsTruncated    bool           `xml:"IsTruncated"`
	Contents       []objectEntry  `xml:"Contents"`
	CommonPrefixes []commonPrefix `xml:"CommonPrefixes"`
}

type objectEntry struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

type locationConstraint struct {
	XMLName  xml.Name `xml:"LocationConstraint"`
	Xmlns    string   `xml:"xmlns,attr"`
	Location string   `xml:",chardata"`
}

type copyObjectResult struct {
	XMLName      xml.Name `xml:"CopyObjectResult"`
	ETag         string   `xml:"ETag"`
	LastModified string   `xml:"LastModified"`
}

type deleteRequest struct {
	XMLName xml.Name       `xml:"Delete"`
	Objects []deleteObject `xml:"Object"`
}

type deleteObject struct {
	Key string `xml:"Key"`
}

type deleteResult struct {
	XMLName xml.Name      `xml:"DeleteResult"`
	Xmlns   string        `xml:"xmlns,attr"`
	Deleted []deletedItem `xml:"Deleted"`
	Errors  []deleteError `xml:"Error"`
}

type deletedItem struct {
	Key string `xml:"Key"`
}

type deleteError struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// responseWriter guards against double header writes so a late failure in a
// handler cannot corrupt a response that already started.
type responseWriter struct {
	http.ResponseWriter
	wroteHeader bool
	status      int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w}
}

func (w *responseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// writeResult serializes an apiResult. Error results render as an S3 Error
// document; payload-less success results send the status with no body.
func writeResult(w *responseWriter, res *apiResult, logger *slog.Logger) {
	if res == nil || w.wroteHeader {
		return
	}
	for k, vs := range res.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	var body any
	switch {
	case res.code != "":
		body = s3Error{Code: res.code, Message: res.message}
	case res.payload != nil:
		body = res.payload
	default:
		w.WriteHeader(res.status)
		return
	}
	encoded, err := xml.Marshal(body)
	if err != nil {
		logger.Error("s3: encoding response failed", slog.String("error", err.Error()))
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	out := append([]byte(xmlDeclaration), encoded...)
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(res.status)
	_, _ = w.Write(out)
}
