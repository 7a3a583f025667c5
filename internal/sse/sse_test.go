package sse

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	w, ok := NewWriter(rec)
	require.True(t, ok)

	require.NoError(t, w.Send(map[string]string{"type": "start"}))
	w.Done()

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Equal(t, "data: {\"type\":\"start\"}\n\ndata: [DONE]\n\n", body)
}

func TestScannerRoundTrip(t *testing.T) {
	body := "data: {\"n\":1}\n\ndata: {\"n\":2}\n\ndata: [DONE]\n\n"
	sc := NewScanner(context.Background(), io.NopCloser(strings.NewReader(body)))
	defer sc.Close()

	var ev struct {
		N int `json:"n"`
	}
	require.NoError(t, sc.Decode(&ev))
	assert.Equal(t, 1, ev.N)
	require.NoError(t, sc.Decode(&ev))
	assert.Equal(t, 2, ev.N)
	assert.Equal(t, io.EOF, sc.Decode(&ev))
}

func TestScannerSkipsCommentsAndBlanks(t *testing.T) {
	body := ": keep-alive\n\n\ndata: {\"ok\":true}\n\ndata: [DONE]\n\n"
	sc := NewScanner(context.Background(), io.NopCloser(strings.NewReader(body)))
	defer sc.Close()

	raw, err := sc.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestScannerDropsMalformedJSON(t *testing.T) {
	body := "data: {not json\n\ndata: {\"ok\":true}\n\ndata: [DONE]\n\n"
	sc := NewScanner(context.Background(), io.NopCloser(strings.NewReader(body)))
	defer sc.Close()

	raw, err := sc.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestScannerEOFWithoutSentinel(t *testing.T) {
	sc := NewScanner(context.Background(), io.NopCloser(strings.NewReader("data: {\"n\":1}\n\n")))
	defer sc.Close()

	_, err := sc.Next()
	require.NoError(t, err)
	_, err = sc.Next()
	assert.Equal(t, io.EOF, err)
}

func TestScannerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	sc := NewScanner(ctx, pr)
	defer pw.Close()

	done := make(chan error, 1)
	go func() {
		_, err := sc.Next()
		done <- err
	}()
	cancel()
	err := <-done
	require.Error(t, err)
}
