package postgres

import (
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Listener wraps a pq.Listener subscribed to the jobs wake-up channel.
// Workers use it to resume polling immediately after an enqueue instead of
// waiting for their next backoff tick. Losing the connection only degrades
// latency; the poll loop stays correct without notifications.
type Listener struct {
	pql *pq.Listener
}

// NewListener connects a LISTEN session to the database and subscribes to
// the jobs channel.
func NewListener(databaseURL string, logger *slog.Logger) (*Listener, error) {
	pql := pq.NewListener(databaseURL, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("jobs listener event", "event", int(ev), "error", err)
			}
		})

	if err := pql.Listen(JobsChannel); err != nil {
		pql.Close()
		return nil, err
	}

	return &Listener{pql: pql}, nil
}

// Notifications returns the channel of queue names that received new jobs.
// A nil notification means the connection was re-established and events may
// have been missed; callers should treat it as a wake-up too.
func (l *Listener) Notifications() <-chan *pq.Notification {
	return l.pql.Notify
}

// Close tears down the LISTEN session.
func (l *Listener) Close() error {
	return l.pql.Close()
}
