package hub

import "regexp"

// notificationIndex maps a pattern to its compiled regex and the refcounted
// set of clients listening on it. Patterns are compiled once, when they
// first enter the index; invalid patterns never get in.
type notificationIndex struct {
	patterns map[string]*patternEntry
}

type patternEntry struct {
	re        *regexp.Regexp
	listeners map[string]uint32
}

func newNotificationIndex() *notificationIndex {
	return &notificationIndex{patterns: make(map[string]*patternEntry)}
}

// Add increments the (pattern, client) refcount and reports whether this was
// the 0→1 transition. re is only consulted for a pattern's first entry.
func (idx *notificationIndex) Add(pattern string, re *regexp.Regexp, clientID string) bool {
	entry := idx.patterns[pattern]
	if entry == nil {
		entry = &patternEntry{re: re, listeners: make(map[string]uint32)}
		idx.patterns[pattern] = entry
	}
	entry.listeners[clientID]++
	return entry.listeners[clientID] == 1
}

// Remove decrements the (pattern, client) refcount. Unknown patterns and
// listeners are a no-op.
func (idx *notificationIndex) Remove(pattern, clientID string) {
	entry := idx.patterns[pattern]
	if entry == nil {
		return
	}
	count, ok := entry.listeners[clientID]
	if !ok {
		return
	}
	if count > 1 {
		entry.listeners[clientID] = count - 1
		return
	}
	delete(entry.listeners, clientID)
	if len(entry.listeners) == 0 {
		delete(idx.patterns, pattern)
	}
}

// RemoveClient purges the client from every pattern.
func (idx *notificationIndex) RemoveClient(clientID string) {
	for pattern, entry := range idx.patterns {
		if _, ok := entry.listeners[clientID]; !ok {
			continue
		}
		delete(entry.listeners, clientID)
		if len(entry.listeners) == 0 {
			delete(idx.patterns, pattern)
		}
	}
}

// Match returns the ids of every client listening on a pattern that matches
// topic, deduplicated across patterns.
func (idx *notificationIndex) Match(topic string) []string {
	seen := make(map[string]struct{})
	var listeners []string
	for _, entry := range idx.patterns {
		if !entry.re.MatchString(topic) {
			continue
		}
		for id := range entry.listeners {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			listeners = append(listeners, id)
		}
	}
	return listeners
}

// Patterns counts registered patterns, for the gauge.
func (idx *notificationIndex) Patterns() int {
	return len(idx.patterns)
}
