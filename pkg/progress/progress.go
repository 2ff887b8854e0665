// Package progress reports per-blob transfer state as structured log events.
package progress

import (
	"io"
	"time"

	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Event is the transfer state of one blob.
type Event string

const (
	Cached      Event = "cached"
	Downloading Event = "downloading"
	Complete    Event = "complete"
)

// Update is a single progress report.
type Update struct {
	Event   Event
	Ref     string
	Digest  digest.Digest
	Current int64
	Total   int64
}

// Reporter receives updates. Implementations must be safe for concurrent use.
type Reporter interface {
	Report(u Update)
}

// Discard drops every update.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Report(Update) {}

// LogReporter writes updates to a logrus logger. Downloading updates are
// logged at debug level, the rest at info.
type LogReporter struct {
	log logrus.FieldLogger
}

// NewLogReporter returns a Reporter logging to logger.
func NewLogReporter(logger logrus.FieldLogger) *LogReporter {
	return &LogReporter{log: logger}
}

func (r *LogReporter) Report(u Update) {
	entry := r.log.WithFields(logrus.Fields{
		"ref":    u.Ref,
		"digest": ShortDigest(u.Digest),
		"size":   units.HumanSize(float64(u.Total)),
	})
	switch u.Event {
	case Downloading:
		entry.WithField("progress", units.HumanSize(float64(u.Current))+"/"+units.HumanSize(float64(u.Total))).
			Debug(string(u.Event))
	default:
		entry.Info(string(u.Event))
	}
}

// ShortDigest returns the first 12 hex characters of d.
func ShortDigest(d digest.Digest) string {
	if err := d.Validate(); err != nil {
		return d.String()
	}
	enc := d.Encoded()
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return enc
}

// Reader reports Downloading updates while it is read, at most once per
// interval, and a final update when the underlying reader hits EOF.
type Reader struct {
	in       io.Reader
	reporter Reporter
	update   Update
	limiter  *rate.Limiter
}

// NewReader wraps in. Updates carry ref, dgst and total.
func NewReader(in io.Reader, reporter Reporter, ref string, dgst digest.Digest, total int64, interval time.Duration) *Reader {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Reader{
		in:       in,
		reporter: reporter,
		update:   Update{Event: Downloading, Ref: ref, Digest: dgst, Total: total},
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.in.Read(p)
	r.update.Current += int64(n)
	if err == io.EOF || (n > 0 && r.limiter.Allow()) {
		r.reporter.Report(r.update)
	}
	return n, err
}

// Current returns the number of bytes read so far.
func (r *Reader) Current() int64 {
	return r.update.Current
}
