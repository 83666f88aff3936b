package cache

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureStripsHopByHop(t *testing.T) {
	res := &http.Response{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Connection":     []string{"keep-alive"},
			"Content-Length": []string{"5"},
			"Content-Type":   []string{"text/html"},
		},
		Body: io.NopCloser(strings.NewReader("hello")),
	}
	snap, err := Capture(res)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(snap.Body))
	assert.Empty(t, snap.Header.Get("Connection"))
	assert.Empty(t, snap.Header.Get("Content-Length"))
	assert.Equal(t, "text/html", snap.Header.Get("Content-Type"))
	assert.False(t, snap.StoredAt.IsZero())
}

func TestSnapshotResponsesAreIndependent(t *testing.T) {
	snap := testSnapshot("hello")
	a := snap.Response(nil)
	b := snap.Response(nil)
	ab, _ := io.ReadAll(a.Body)
	bb, _ := io.ReadAll(b.Body)
	assert.Equal(t, "hello", string(ab))
	assert.Equal(t, "hello", string(bb))
	a.Header.Set("X-Test", "1")
	assert.Empty(t, snap.Header.Get("X-Test"))
}

func TestSnapshotBinaryRoundTrip(t *testing.T) {
	snap := testSnapshot("hello")
	snap.StatusCode = http.StatusNotFound
	b, err := snap.MarshalBinary()
	require.NoError(t, err)
	got, err := UnmarshalSnapshot(b)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, got.StatusCode)
	assert.Equal(t, "hello", string(got.Body))
	assert.True(t, snap.StoredAt.Equal(got.StoredAt))
	assert.Equal(t, snap.Digest(), got.Digest())
}

func TestDigest(t *testing.T) {
	assert.Equal(t, testSnapshot("a").Digest(), testSnapshot("a").Digest())
	assert.NotEqual(t, testSnapshot("a").Digest(), testSnapshot("b").Digest())
	notFound := testSnapshot("a")
	notFound.StatusCode = http.StatusNotFound
	assert.NotEqual(t, testSnapshot("a").Digest(), notFound.Digest())
	assert.True(t, testSnapshot("a").OK())
	assert.False(t, notFound.OK())
}
