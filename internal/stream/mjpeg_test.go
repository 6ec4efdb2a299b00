package stream

import (
	"bufio"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkwatch/internal/logging"
)

func TestSetAnnotatedFrameWithoutClients(t *testing.T) {
	s := NewMJPEGStream(logging.Discard())
	assert.Nil(t, s.CurrentFrame())

	s.SetAnnotatedFrame([]byte{1})
	s.SetAnnotatedFrame([]byte{2})

	assert.Equal(t, []byte{2}, s.CurrentFrame())
	assert.Equal(t, uint64(2), s.FrameSeq())
}

func TestSlowClientSkipsFrames(t *testing.T) {
	s := NewMJPEGStream(logging.Discard())
	ch := s.addClient()
	defer s.removeClient(ch)

	for i := 0; i < 10; i++ {
		s.SetAnnotatedFrame([]byte{byte(i)})
	}
	assert.Len(t, ch, cap(ch))
	assert.Equal(t, []byte{0}, <-ch)
}

func TestServeHTTPStreamsParts(t *testing.T) {
	s := NewMJPEGStream(logging.Discard())
	s.SetAnnotatedFrame([]byte("first"))

	srv := httptest.NewServer(s)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)

	reader := multipart.NewReader(bufio.NewReader(resp.Body), params["boundary"])
	readPart := func(n int) string {
		t.Helper()
		part, err := reader.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
		buf := make([]byte, n)
		_, err = io.ReadFull(part, buf)
		require.NoError(t, err)
		return string(buf)
	}

	// The client is registered before the first part is flushed.
	assert.Equal(t, 1, s.ClientCount())
	assert.Equal(t, "first", readPart(len("first")))

	s.SetAnnotatedFrame([]byte("second"))
	assert.Equal(t, "second", readPart(len("second")))

	cancel()
	require.Eventually(t, func() bool { return s.ClientCount() == 0 }, 3*time.Second, 5*time.Millisecond)
}
