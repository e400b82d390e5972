package hub

import "regexp"

// subscriptionIndex maps topic → clientID → refcount. A client may subscribe
// to the same topic more than once; listeners are only told about the 0→1
// and 1→0 transitions, so the refcounts are what make those transitions
// observable. Entries with a zero count are never kept.
type subscriptionIndex struct {
	topics map[string]map[string]uint32
}

func newSubscriptionIndex() *subscriptionIndex {
	return &subscriptionIndex{topics: make(map[string]map[string]uint32)}
}

// Add increments the client's refcount on topic and reports whether this was
// the 0→1 transition.
func (idx *subscriptionIndex) Add(topic, clientID string) bool {
	subscribers := idx.topics[topic]
	if subscribers == nil {
		subscribers = make(map[string]uint32)
		idx.topics[topic] = subscribers
	}
	subscribers[clientID]++
	return subscribers[clientID] == 1
}

// Remove decrements the client's refcount on topic and reports whether this
// was the 1→0 transition. Removing an absent subscription is a no-op.
func (idx *subscriptionIndex) Remove(topic, clientID string) bool {
	subscribers := idx.topics[topic]
	count, ok := subscribers[clientID]
	if !ok {
		return false
	}
	if count > 1 {
		subscribers[clientID] = count - 1
		return false
	}
	delete(subscribers, clientID)
	if len(subscribers) == 0 {
		delete(idx.topics, topic)
	}
	return true
}

// RemoveClient drops the client from every topic regardless of refcount and
// returns the topics it was subscribed to.
func (idx *subscriptionIndex) RemoveClient(clientID string) []string {
	var vacated []string
	for topic, subscribers := range idx.topics {
		if _, ok := subscribers[clientID]; !ok {
			continue
		}
		delete(subscribers, clientID)
		if len(subscribers) == 0 {
			delete(idx.topics, topic)
		}
		vacated = append(vacated, topic)
	}
	return vacated
}

// Subscribers returns the live refcount map for topic; nil when nobody is
// subscribed. Callers iterate it, they do not keep it.
func (idx *subscriptionIndex) Subscribers(topic string) map[string]uint32 {
	return idx.topics[topic]
}

// Match returns the topics whose names match re, for notification back-fill.
func (idx *subscriptionIndex) Match(re *regexp.Regexp) []string {
	var matched []string
	for topic := range idx.topics {
		if re.MatchString(topic) {
			matched = append(matched, topic)
		}
	}
	return matched
}

// Entries counts (topic, client) subscription pairs, for the gauge.
func (idx *subscriptionIndex) Entries() int {
	n := 0
	for _, subscribers := range idx.topics {
		n += len(subscribers)
	}
	return n
}
