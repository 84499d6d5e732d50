package portal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

// Request is one logical HTTP call. Body is fully buffered so every attempt
// and the auth replay send identical bytes.
type Request struct {
	Method         string
	Path           string
	Query          url.Values
	Header         http.Header
	Body           []byte
	ContentType    string
	Timeout        time.Duration
	IdempotencyKey string
	SkipAuth       bool
}

// CallOption customises a single call.
type CallOption func(*Request)

// WithCallTimeout bounds each attempt of the call.
func WithCallTimeout(d time.Duration) CallOption {
	return func(r *Request) { r.Timeout = d }
}

// WithHeader adds a header to every attempt.
func WithHeader(key, value string) CallOption {
	return func(r *Request) {
		if r.Header == nil {
			r.Header = make(http.Header)
		}
		r.Header.Add(key, value)
	}
}

// WithQuery merges values into the query string.
func WithQuery(values url.Values) CallOption {
	return func(r *Request) {
		if r.Query == nil {
			r.Query = make(url.Values)
		}
		for k, vs := range values {
			for _, v := range vs {
				r.Query.Add(k, v)
			}
		}
	}
}

// WithQueryParam adds a single query parameter.
func WithQueryParam(key, value string) CallOption {
	return WithQuery(url.Values{key: {value}})
}

// WithIdempotencyKey overrides the generated Idempotency-Key.
func WithIdempotencyKey(key string) CallOption {
	return func(r *Request) { r.IdempotencyKey = key }
}

// WithoutAuth sends the call without credentials and disables the 401
// refresh path.
func WithoutAuth() CallOption {
	return func(r *Request) { r.SkipAuth = true }
}

// mutating reports whether the method may have side effects on the server.
func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

// Response is a successful (2xx/3xx) reply.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          []byte
	RequestID     string
	CorrelationID string
	// Attempts counts transport attempts, including an auth replay.
	Attempts int
	Duration time.Duration
}

// JSON decodes the body into v. An empty body (e.g. 204) leaves v untouched.
func (r *Response) JSON(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &ClientError{
			Type:       ErrorTypeHTTPStatus,
			Message:    "response body is not valid JSON",
			Cause:      err,
			StatusCode: r.StatusCode,
			RequestID:  r.RequestID,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// Get returns the value at a gjson path in the body.
func (r *Response) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}

// String returns the raw body.
func (r *Response) String() string {
	return string(r.Body)
}

// UploadFile is a file part of a multipart upload.
type UploadFile struct {
	FieldName   string
	FileName    string
	ContentType string
	Content     io.Reader
}

// encodeBody buffers a request body. []byte, string and io.Reader are sent
// as-is; anything else is encoded as JSON.
func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return b, "application/octet-stream", nil
	case string:
		return []byte(b), "text/plain; charset=utf-8", nil
	case json.RawMessage:
		return b, "application/json", nil
	case io.Reader:
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, "", err
		}
		return data, "application/octet-stream", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", err
		}
		return data, "application/json", nil
	}
}

// multipartBody builds a multipart/form-data body holding fields and file.
func multipartBody(file UploadFile, fields map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	field := file.FieldName
	if field == "" {
		field = "file"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, file.FileName))
	ct := file.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if file.Content != nil {
		if _, err := io.Copy(part, file.Content); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// statusError builds the HttpStatusError for a non-success reply, decoding
// {"error": code, "message": msg, "details": {...}} when present.
func statusError(resp *http.Response, body []byte, method, path, requestID string, now time.Time) *ClientError {
	ce := &ClientError{
		Type:       ErrorTypeHTTPStatus,
		Message:    http.StatusText(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Body:       body,
		Method:     method,
		Path:       path,
		RequestID:  requestID,
		Timestamp:  now,
	}
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		if msg := parsed.Get("message"); msg.Type == gjson.String && msg.String() != "" {
			ce.Message = msg.String()
		}
		if code := parsed.Get("error"); code.Type == gjson.String {
			ce.Code = code.String()
		} else if code := parsed.Get("code"); code.Exists() {
			ce.Code = code.String()
		}
		if details, ok := parsed.Get("details").Value().(map[string]any); ok {
			ce.Details = details
		}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		ce.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	}
	return ce
}
