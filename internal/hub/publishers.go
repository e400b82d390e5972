package hub

// publisherIndex remembers which client has published on which topic, in
// both directions. It exists for one purpose: when a client disconnects,
// topics for which it was the last publisher are stale and their
// subscribers are told so.
type publisherIndex struct {
	topicsByPublisher map[string]map[string]struct{}
	publishersByTopic map[string]map[string]struct{}
}

func newPublisherIndex() *publisherIndex {
	return &publisherIndex{
		topicsByPublisher: make(map[string]map[string]struct{}),
		publishersByTopic: make(map[string]map[string]struct{}),
	}
}

// Record marks clientID as a publisher of topic. Recording is lazy; it
// happens on the first successful publish.
func (idx *publisherIndex) Record(clientID, topic string) {
	topics := idx.topicsByPublisher[clientID]
	if topics == nil {
		topics = make(map[string]struct{})
		idx.topicsByPublisher[clientID] = topics
	}
	topics[topic] = struct{}{}

	publishers := idx.publishersByTopic[topic]
	if publishers == nil {
		publishers = make(map[string]struct{})
		idx.publishersByTopic[topic] = publishers
	}
	publishers[clientID] = struct{}{}
}

// RemoveClient forgets the client and returns the topics for which it was
// the only publisher.
func (idx *publisherIndex) RemoveClient(clientID string) []string {
	topics := idx.topicsByPublisher[clientID]
	delete(idx.topicsByPublisher, clientID)

	var stale []string
	for topic := range topics {
		publishers := idx.publishersByTopic[topic]
		delete(publishers, clientID)
		if len(publishers) == 0 {
			delete(idx.publishersByTopic, topic)
			stale = append(stale, topic)
		}
	}
	return stale
}

// Topics counts topics with at least one live publisher, for the gauge.
func (idx *publisherIndex) Topics() int {
	return len(idx.publishersByTopic)
}
