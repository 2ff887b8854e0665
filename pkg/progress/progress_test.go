package progress

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	updates []Update
}

func (c *collector) Report(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
}

func TestReaderReportsFinalUpdate(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 10000)
	dgst := digest.FromBytes(data)
	c := &collector{}

	r := NewReader(chunked(data), c, "library/alpine:latest", dgst, int64(len(data)), time.Hour)
	n, err := io.Copy(io.Discard, r)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, int64(len(data)), r.Current())

	require.NotEmpty(t, c.updates)
	// One burst token at the start plus the EOF report; the hour-long
	// interval suppresses everything in between.
	assert.LessOrEqual(t, len(c.updates), 2)
	last := c.updates[len(c.updates)-1]
	assert.Equal(t, Downloading, last.Event)
	assert.Equal(t, int64(len(data)), last.Current)
	assert.Equal(t, dgst, last.Digest)
}

// chunked returns a reader that hands out at most 100 bytes per Read.
func chunked(b []byte) io.Reader {
	return &chunkReader{b: b, size: 100}
}

type chunkReader struct {
	b    []byte
	size int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := r.size
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.b) {
		n = len(r.b)
	}
	copy(p, r.b[:n])
	r.b = r.b[n:]
	return n, nil
}

func TestLogReporter(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	r := NewLogReporter(logger)
	dgst := digest.FromString("layer")
	r.Report(Update{Event: Cached, Ref: "library/alpine:latest", Digest: dgst, Total: 2048})
	r.Report(Update{Event: Downloading, Ref: "library/alpine:latest", Digest: dgst, Current: 1024, Total: 2048})

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, logrus.InfoLevel, entries[0].Level)
	assert.Equal(t, "cached", entries[0].Message)
	assert.Equal(t, ShortDigest(dgst), entries[0].Data["digest"])
	assert.Equal(t, "2.048kB", entries[0].Data["size"])
	assert.Equal(t, logrus.DebugLevel, entries[1].Level)
}

func TestShortDigest(t *testing.T) {
	d := digest.FromString("x")
	assert.Equal(t, d.Encoded()[:12], ShortDigest(d))
	assert.Equal(t, "not-a-digest", ShortDigest("not-a-digest"))
}
