// Package client submits aggregate requests to a running service.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
)

// materializedBufferSize is how much of a JSON body is kept for diagnostics.
const materializedBufferSize = 8 * 1024

// ErrNoValue is returned by Value when the response carried no decoded value.
var ErrNoValue = errors.New("response does not contain a JSON value")

// JSONResponse is an HTTP response whose body was decoded as T when the
// server declared it JSON. Status and headers survive a failed decode.
type JSONResponse[T any] struct {
	StatusCode int
	Header     http.Header

	body     string
	hasBody  bool
	value    T
	hasValue bool
	err      error
}

// HasValue reports whether the body decoded as T.
func (r *JSONResponse[T]) HasValue() bool { return r.hasValue }

// Value returns the decoded body. It fails with ErrNoValue, wrapping the
// decode error if there was one, when HasValue is false.
func (r *JSONResponse[T]) Value() (T, error) {
	if !r.hasValue {
		var zero T
		if r.err != nil {
			return zero, fmt.Errorf("%w: %w", ErrNoValue, r.err)
		}
		return zero, ErrNoValue
	}
	return r.value, nil
}

// ResponseBody is the body text: all of it for non-JSON responses, the first
// 8 KiB for JSON ones.
func (r *JSONResponse[T]) ResponseBody() (string, bool) { return r.body, r.hasBody }

// Err is the decode error of a JSON body, or nil.
func (r *JSONResponse[T]) Err() error { return r.err }

func (r *JSONResponse[T]) String() string {
	if r.hasValue {
		return fmt.Sprintf("JSONResponse{statusCode=%d, headers=%v, hasValue=true, value=%+v}", r.StatusCode, r.Header, r.value)
	}
	return fmt.Sprintf("JSONResponse{statusCode=%d, headers=%v, hasValue=false}", r.StatusCode, r.Header)
}

// Execute sends req and decodes a JSON response body into T. Transport
// failures are returned as errors; decode failures are not, they are kept on
// the response alongside the head of the body.
func Execute[T any](c *http.Client, req *http.Request) (*JSONResponse[T], error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &JSONResponse[T]{StatusCode: resp.StatusCode, Header: resp.Header}

	if !isJSON(resp.Header.Get("Content-Type")) {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response body: %w", err)
		}
		out.body, out.hasBody = string(body), true
		return out, nil
	}

	head := &headRecorder{r: resp.Body, limit: materializedBufferSize}
	dec := json.NewDecoder(head)
	dec.UseNumber()
	var value T
	decodeErr := dec.Decode(&value)
	out.body, out.hasBody = string(head.buf), true
	if decodeErr != nil {
		out.err = fmt.Errorf("unable to create %s from JSON response:\n[%s]: %w",
			reflect.TypeOf((*T)(nil)).Elem(), head.buf, decodeErr)
		return out, nil
	}
	out.value, out.hasValue = value, true
	return out, nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}

// headRecorder passes reads through and keeps the first limit bytes.
type headRecorder struct {
	r     io.Reader
	buf   []byte
	limit int
}

func (h *headRecorder) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if room := h.limit - len(h.buf); room > 0 && n > 0 {
		h.buf = append(h.buf, p[:min(n, room)]...)
	}
	return n, err
}
