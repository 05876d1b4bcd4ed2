package httpprobe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient() *Client {
	return New(Config{
		ConnectTimeout:      2 * time.Second,
		RequestTimeout:      5 * time.Second,
		HTTP2RequestTimeout: 5 * time.Second,
	})
}

func TestGetMeasuresStream(t *testing.T) {
	payload := make([]byte, 8192)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	stream, result, err := testClient().Get(context.Background(), srv.URL, RequestOptions{})
	require.NoError(t, err)

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	assert.Len(t, data, len(payload))
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, int64(len(payload)), result.BytesRead)
	assert.Greater(t, result.TTFB, time.Duration(0))
	assert.GreaterOrEqual(t, result.LastByte, result.TTFB)
	assert.Greater(t, result.ThroughputBps, 0.0)
}

func TestGetNon2xxReturnsPreview(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("piece not found\x00\x01 here"))
	}))
	defer srv.Close()

	stream, result, err := testClient().Get(context.Background(), srv.URL, RequestOptions{})
	require.Error(t, err)
	assert.Nil(t, stream)
	assert.Equal(t, http.StatusNotFound, result.StatusCode)
	assert.Equal(t, "piece not found   here", result.Preview)
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	stream, _, err := testClient().Get(context.Background(), srv.URL, RequestOptions{})
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
}

func TestUploadSendsAcceptsBody(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"pieceCid":"baga"}`))
	}))
	defer srv.Close()

	result, body, err := testClient().Upload(context.Background(), srv.URL, []byte("archive"), "application/vnd.ipld.car")
	require.NoError(t, err)
	assert.Equal(t, []byte("archive"), received)
	assert.Contains(t, string(body), "pieceCid")
	assert.Equal(t, int64(7), result.BytesRead)
}

func TestSanitizePreview(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "hello", "hello"},
		{"control chars", "a\x00b\nc", "a b c"},
		{"truncated", string(make([]byte, 500)), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizePreview([]byte(tt.input)))
		})
	}
}
