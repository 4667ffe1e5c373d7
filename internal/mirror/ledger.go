package mirror

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memohai/imagemirror/internal/media"
)

// Entry links an origin message to its mirror in the target channel.
type Entry struct {
	MirrorID    string
	Fingerprint string
	MirroredAt  time.Time
}

// Ledger maps origin message ids to mirror entries. It lives in memory only;
// entries are never evicted. Concurrent writers are serialised but not
// ordered: the last writer wins.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]Entry)}
}

// Record inserts or replaces the entry for originID.
func (l *Ledger) Record(originID string, entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[originID] = entry
}

// Lookup returns the entry for originID, if any.
func (l *Ledger) Lookup(originID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[originID]
	return entry, ok
}

// Remove drops the entry for originID. Removing a missing entry is a no-op.
func (l *Ledger) Remove(originID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, originID)
}

// Len returns the number of live entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot returns a copy of all entries.
func (l *Ledger) Snapshot() map[string]Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Entry, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}

// Fingerprint identifies a candidate set independently of order and of URL
// query strings (CDN signatures rotate between edits).
func Fingerprint(candidates []media.Candidate) string {
	keys := make([]string, 0, len(candidates))
	for _, c := range candidates {
		keys = append(keys, stripQuery(c.URL))
	}
	sort.Strings(keys)
	return strings.Join(keys, "\n")
}

func stripQuery(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return strings.TrimSpace(rawURL)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
