package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"

	serializer "github.com/always-cache/appshell/pkg/response-serializer"
)

// hop-by-hop and framing headers that must not be replayed from a snapshot
var unstoredHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// Snapshot is an immutable capture of a response.
// Nothing may modify a snapshot after it was created; use Clone to get a copy
// that can be handed to another owner.
type Snapshot struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// Capture reads the response into a snapshot.
// The response body is a single-read stream: Capture consumes and closes it,
// so the response must not be used afterwards. Use the snapshot (and clones of it)
// for every consumer instead.
func Capture(res *http.Response) (*Snapshot, error) {
	if res == nil {
		return nil, fmt.Errorf("capture: nil response")
	}
	var body []byte
	if res.Body != nil {
		defer res.Body.Close()
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, fmt.Errorf("capture: read body: %w", err)
		}
		body = b
	}
	header := res.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	for _, name := range unstoredHeaders {
		header.Del(name)
	}
	return &Snapshot{
		StatusCode: res.StatusCode,
		Header:     header,
		Body:       body,
		StoredAt:   time.Now(),
	}, nil
}

// Clone returns an independent deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	return &Snapshot{
		StatusCode: s.StatusCode,
		Header:     s.Header.Clone(),
		Body:       bytes.Clone(s.Body),
		StoredAt:   s.StoredAt,
	}
}

// OK reports whether the snapshot has a success (2xx) status.
func (s *Snapshot) OK() bool {
	return s.StatusCode >= 200 && s.StatusCode < 300
}

// Digest returns a hash of the status and body.
// Two snapshots with equal digests carry the same content.
func (s *Snapshot) Digest() uint64 {
	d := xxhash.New()
	fmt.Fprintf(d, "%d\n", s.StatusCode)
	d.Write(s.Body)
	return d.Sum64()
}

// Response returns a new response with its own body reader.
func (s *Snapshot) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        s.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// MarshalBinary encodes the snapshot as an HTTP/1.1 message.
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	return serializer.StoredResponseToBytes(serializer.TimedResponse{
		Response: s.Response(nil),
		StoredAt: s.StoredAt,
	})
}

// UnmarshalSnapshot decodes a snapshot encoded with MarshalBinary.
func UnmarshalSnapshot(b []byte) (*Snapshot, error) {
	sRes, err := serializer.BytesToStoredResponse(b)
	if err != nil {
		return nil, err
	}
	snap, err := Capture(sRes.Response)
	if err != nil {
		return nil, err
	}
	snap.StoredAt = sRes.StoredAt
	return snap, nil
}
