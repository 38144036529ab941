package httpclient

import (
	"bytes"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"
)

// ErrBodyConsumed is returned when a one-shot body is opened a second time
// or a response body is read after it was already consumed.
var ErrBodyConsumed = errors.New("httpclient: body already consumed")

// RequestBody is the payload of a Request.
//
// ContentLength returns -1 when the length is unknown, in which case the
// body is sent with chunked transfer encoding. Replayable bodies can be
// opened any number of times and are therefore safe to resend on a retry
// or a 307/308 redirect; one-shot bodies can be opened once.
type RequestBody interface {
	ContentType() string
	ContentLength() int64
	Open() (io.ReadCloser, error)
	Replayable() bool
}

// bytesBody is a replayable in-memory body.
type bytesBody struct {
	contentType string
	data        []byte
}

// BytesBody returns a replayable body over data. The slice is not copied.
func BytesBody(contentType string, data []byte) RequestBody {
	return &bytesBody{contentType: contentType, data: data}
}

// StringBody returns a replayable text body.
func StringBody(contentType, s string) RequestBody {
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	return &bytesBody{contentType: contentType, data: []byte(s)}
}

// JSONBody encodes v as JSON.
func JSONBody(v any) (RequestBody, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &bytesBody{contentType: "application/json", data: data}, nil
}

// FormBody encodes values as application/x-www-form-urlencoded.
func FormBody(values url.Values) RequestBody {
	return &bytesBody{
		contentType: "application/x-www-form-urlencoded",
		data:        []byte(values.Encode()),
	}
}

func (b *bytesBody) ContentType() string  { return b.contentType }
func (b *bytesBody) ContentLength() int64 { return int64(len(b.data)) }
func (b *bytesBody) Replayable() bool     { return true }

func (b *bytesBody) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

// Bytes returns the body content.
func (b *bytesBody) Bytes() []byte { return b.data }

// readerBody streams from a reader exactly once.
type readerBody struct {
	contentType string
	length      int64
	r           io.Reader
	opened      atomic.Bool
}

// ReaderBody returns a one-shot streamed body. Pass length -1 when the size
// is not known up front.
func ReaderBody(contentType string, length int64, r io.Reader) RequestBody {
	return &readerBody{contentType: contentType, length: length, r: r}
}

func (b *readerBody) ContentType() string  { return b.contentType }
func (b *readerBody) ContentLength() int64 { return b.length }
func (b *readerBody) Replayable() bool     { return false }

func (b *readerBody) Open() (io.ReadCloser, error) {
	if !b.opened.CompareAndSwap(false, true) {
		return nil, ErrBodyConsumed
	}
	if rc, ok := b.r.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(b.r), nil
}

// bodyBytes returns the in-memory content of a replayable body, reading it
// when necessary. ok is false for one-shot bodies.
func bodyBytes(b RequestBody) (data []byte, ok bool) {
	if b == nil {
		return nil, true
	}
	if bb, isBytes := b.(*bytesBody); isBytes {
		return bb.data, true
	}
	if !b.Replayable() {
		return nil, false
	}
	rc, err := b.Open()
	if err != nil {
		return nil, false
	}
	defer rc.Close()
	data, err = io.ReadAll(rc)
	if err != nil {
		return nil, false
	}
	return data, true
}

// ResponseBody is the payload of a Response. It wraps a collaborator stream
// and can be consumed once; Bytes and String buffer the stream on first use
// and return the buffered copy afterwards.
type ResponseBody struct {
	contentType string
	length      int64
	rc          io.ReadCloser

	mu       sync.Mutex
	buffered []byte
	consumed bool
	err      error
}

// NewResponseBody wraps rc. length is -1 when unknown.
func NewResponseBody(contentType string, length int64, rc io.ReadCloser) *ResponseBody {
	if rc == nil {
		rc = io.NopCloser(strings.NewReader(""))
		length = 0
	}
	return &ResponseBody{contentType: contentType, length: length, rc: rc}
}

// StaticResponseBody returns a body backed by data. It is used for
// synthesized responses such as cache hits.
func StaticResponseBody(contentType string, data []byte) *ResponseBody {
	return NewResponseBody(contentType, int64(len(data)), io.NopCloser(bytes.NewReader(data)))
}

// ContentType returns the media type reported for the body.
func (b *ResponseBody) ContentType() string {
	if b == nil {
		return ""
	}
	return b.contentType
}

// ContentLength returns the declared length, or -1 when unknown.
func (b *ResponseBody) ContentLength() int64 {
	if b == nil {
		return 0
	}
	return b.length
}

// Read implements io.Reader over the underlying stream.
func (b *ResponseBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	if b.buffered != nil || b.consumed {
		b.mu.Unlock()
		return 0, ErrBodyConsumed
	}
	b.mu.Unlock()
	return b.rc.Read(p)
}

// Close releases the underlying stream. Closing is idempotent.
func (b *ResponseBody) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumed {
		return nil
	}
	b.consumed = true
	return b.rc.Close()
}

// Bytes reads the whole body, closes the stream and returns the content.
func (b *ResponseBody) Bytes() ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buffered != nil || b.err != nil {
		return b.buffered, b.err
	}
	if b.consumed {
		return nil, ErrBodyConsumed
	}
	data, err := io.ReadAll(b.rc)
	closeErr := b.rc.Close()
	b.consumed = true
	if err == nil {
		err = closeErr
	}
	if data == nil {
		data = []byte{}
	}
	b.buffered, b.err = data, err
	return b.buffered, b.err
}

// String returns the body as a string.
func (b *ResponseBody) String() (string, error) {
	data, err := b.Bytes()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode unmarshals a JSON body into v.
func (b *ResponseBody) Decode(v any) error {
	data, err := b.Bytes()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
