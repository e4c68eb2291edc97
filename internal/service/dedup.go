package service

import (
	"strings"
	"sync"
	"time"
)

const (
	defaultDedupWindow   = 30 * time.Second
	defaultDedupCapacity = 100
	fingerprintBodyRunes = 64
)

type fingerprintEntry struct {
	key  string
	seen time.Time
}

// dedupWindow remembers recent inbound fingerprints, oldest first.
type dedupWindow struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	entries  []fingerprintEntry
}

func newDedupWindow(window time.Duration, capacity int) *dedupWindow {
	if window <= 0 {
		window = defaultDedupWindow
	}
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &dedupWindow{window: window, capacity: capacity}
}

func fingerprint(sender, body string) string {
	runes := []rune(body)
	if len(runes) > fingerprintBodyRunes {
		runes = runes[:fingerprintBodyRunes]
	}
	return strings.ToLower(sender + "|" + string(runes))
}

// seen reports whether key was recorded within the window. Unseen keys are
// recorded; a duplicate does not extend the window.
func (d *dedupWindow) seen(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	expired := 0
	for expired < len(d.entries) && now.Sub(d.entries[expired].seen) > d.window {
		expired++
	}
	d.entries = d.entries[expired:]

	for _, e := range d.entries {
		if e.key == key {
			return true
		}
	}

	if len(d.entries) >= d.capacity {
		d.entries = d.entries[1:]
	}
	d.entries = append(d.entries, fingerprintEntry{key: key, seen: now})
	return false
}
