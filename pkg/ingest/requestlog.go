package ingest

import (
	"sync"

	"github.com/elastic/devfiler/pkg/api"
)

const requestLogSize = 100

// requestLog keeps the most recent batch summaries.
type requestLog struct {
	mu      sync.Mutex
	entries [requestLogSize]api.RequestLogEntry
	next    int
	full    bool
}

func (l *requestLog) add(e api.RequestLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = e
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
}

// snapshot returns the entries newest first.
func (l *requestLog) snapshot() []api.RequestLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.full {
		n = len(l.entries)
	}
	out := make([]api.RequestLogEntry, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, l.entries[(l.next-i+len(l.entries))%len(l.entries)])
	}
	return out
}
