// Package hub implements the routing core of the bus as a single-consumer
// actor. One goroutine owns the client registry, the subscription,
// notification and publisher indices, and the current authorization policy;
// every mutation arrives as an Event on one inbox, so no routing state is
// ever shared or locked. Fan-out to clients goes through bounded per-client
// outboxes with non-blocking sends, keeping the loop live against slow
// consumers.
package hub

import (
	"context"
	"regexp"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/squawkbus/squawkbus/internal/authz"
	"github.com/squawkbus/squawkbus/internal/monitoring"
	"github.com/squawkbus/squawkbus/internal/protocol"
)

// staleContentType marks the empty forwarded multicast sent to subscribers
// when the last publisher of a topic disconnects.
const staleContentType = "application/octet-stream"

// client is the hub's record of one connection.
type client struct {
	id     string
	host   string
	user   string
	outbox chan protocol.Message
}

// Hub is the routing actor. Construct with New, drive with Run, feed with
// Post.
type Hub struct {
	inbox chan Event

	registry      map[string]*client
	subscriptions *subscriptionIndex
	notifications *notificationIndex
	publishers    *publisherIndex
	policy        *authz.Policy

	logger  zerolog.Logger
	metrics *monitoring.Metrics
	stats   *monitoring.Stats
}

// New builds a hub with the given inbox capacity and initial policy.
func New(queueSize int, policy *authz.Policy, logger zerolog.Logger, metrics *monitoring.Metrics, stats *monitoring.Stats) *Hub {
	return &Hub{
		inbox:         make(chan Event, queueSize),
		registry:      make(map[string]*client),
		subscriptions: newSubscriptionIndex(),
		notifications: newNotificationIndex(),
		publishers:    newPublisherIndex(),
		policy:        policy,
		logger:        logger.With().Str("component", "hub").Logger(),
		metrics:       metrics,
		stats:         stats,
	}
}

// Post delivers an event to the hub, blocking when the inbox is full. It
// fails only when ctx ends, which for an interactor means the server is
// shutting down and the connection should die with it.
func (h *Hub) Post(ctx context.Context, ev Event) error {
	select {
	case h.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the inbox until ctx is cancelled. All routing state lives
// inside this loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info().Int("queue_size", cap(h.inbox)).Msg("hub started")
	for {
		select {
		case ev := <-h.inbox:
			h.metrics.HubQueueDepth.Set(float64(len(h.inbox)))
			h.handle(ev)
		case <-ctx.Done():
			h.logger.Info().Msg("hub stopped")
			return
		}
	}
}

func (h *Hub) handle(ev Event) {
	switch ev := ev.(type) {
	case Connect:
		h.handleConnect(ev)
	case Inbound:
		h.handleInbound(ev)
	case Disconnect:
		h.handleDisconnect(ev)
	case Reset:
		h.policy = ev.Policy
		h.logger.Info().Msg("authorization policy replaced")
	}
}

func (h *Hub) handleConnect(ev Connect) {
	h.registry[ev.ID] = &client{id: ev.ID, host: ev.Host, user: ev.User, outbox: ev.Outbox}
	h.logger.Info().
		Str("client_id", ev.ID).
		Str("host", ev.Host).
		Str("user", ev.User).
		Msg("client connected")
}

func (h *Hub) handleInbound(ev Inbound) {
	c, ok := h.registry[ev.ID]
	if !ok {
		// Cannot happen while interactors order Connect before Inbound.
		h.logger.Warn().Str("client_id", ev.ID).Msg("message from unregistered client")
		return
	}
	switch m := ev.Message.(type) {
	case *protocol.MulticastData:
		h.handleMulticast(c, m)
	case *protocol.UnicastData:
		h.handleUnicast(c, m)
	case *protocol.SubscriptionRequest:
		h.handleSubscription(c, m)
	case *protocol.NotificationRequest:
		h.handleNotification(c, m)
	default:
		h.logger.Warn().
			Str("client_id", c.id).
			Stringer("type", ev.Message.Type()).
			Msg("unexpected message type at hub")
	}
}

func (h *Hub) handleMulticast(p *client, m *protocol.MulticastData) {
	subscribers := h.subscriptions.Subscribers(m.Topic)
	if len(subscribers) == 0 {
		h.logger.Debug().Str("topic", m.Topic).Msg("multicast with no subscribers")
		return
	}

	pubEnt := h.policy.Entitlements(p.user, m.Topic, authz.Publisher)
	h.publishers.Record(p.id, m.Topic)
	h.metrics.PublishedTopics.Set(float64(h.publishers.Topics()))

	for id := range subscribers {
		s, ok := h.registry[id]
		if !ok {
			continue
		}
		packets, ok := h.entitled(s.user, m.Topic, pubEnt, m.Packets)
		if !ok {
			continue
		}
		h.send(s, &protocol.ForwardedMulticastData{
			Host:        p.host,
			User:        p.user,
			Topic:       m.Topic,
			ContentType: m.ContentType,
			Packets:     packets,
		})
	}
}

func (h *Hub) handleUnicast(p *client, m *protocol.UnicastData) {
	d, ok := h.registry[m.ClientID]
	if !ok {
		h.logger.Debug().
			Str("dest_client_id", m.ClientID).
			Str("topic", m.Topic).
			Msg("unicast to unknown client")
		return
	}

	pubEnt := h.policy.Entitlements(p.user, m.Topic, authz.Publisher)
	h.publishers.Record(p.id, m.Topic)
	h.metrics.PublishedTopics.Set(float64(h.publishers.Topics()))

	packets, ok := h.entitled(d.user, m.Topic, pubEnt, m.Packets)
	if !ok {
		return
	}
	h.send(d, &protocol.ForwardedUnicastData{
		Host:        p.host,
		User:        p.user,
		ClientID:    p.id,
		Topic:       m.Topic,
		ContentType: m.ContentType,
		Packets:     packets,
	})
}

// entitled applies the entitlement rule for one (publisher grant,
// subscriber) pair: intersect the grants, then keep the packets whose
// entitlement sets are contained in the intersection. A publisher with no
// entitlements publishes unrestricted. The second return is false when
// nothing may be delivered.
func (h *Hub) entitled(subUser, topic string, pubEnt protocol.EntitlementSet, packets []protocol.DataPacket) ([]protocol.DataPacket, bool) {
	if len(pubEnt) == 0 {
		return packets, len(packets) > 0
	}
	subEnt := h.policy.Entitlements(subUser, topic, authz.Subscriber)
	ent := pubEnt.Intersect(subEnt)
	if len(ent) == 0 {
		return nil, false
	}
	var allowed []protocol.DataPacket
	for _, packet := range packets {
		if packet.Entitlements.IsSubsetOf(ent) {
			allowed = append(allowed, packet)
		}
	}
	return allowed, len(allowed) > 0
}

func (h *Hub) handleSubscription(s *client, m *protocol.SubscriptionRequest) {
	if m.IsAdd {
		if len(h.policy.Entitlements(s.user, m.Topic, authz.Subscriber)) == 0 {
			h.logger.Debug().
				Str("client_id", s.id).
				Str("user", s.user).
				Str("topic", m.Topic).
				Msg("subscription denied by policy")
			return
		}
		if h.subscriptions.Add(m.Topic, s.id) {
			h.notifyListeners(s, m.Topic, true)
		}
		h.logger.Debug().Str("client_id", s.id).Str("topic", m.Topic).Msg("subscription added")
	} else {
		if h.subscriptions.Remove(m.Topic, s.id) {
			h.notifyListeners(s, m.Topic, false)
		}
	}
	h.metrics.Subscriptions.Set(float64(h.subscriptions.Entries()))
}

// notifyListeners tells every client listening on a matching pattern that
// s's subscription to topic crossed a 0→1 or 1→0 boundary.
func (h *Hub) notifyListeners(s *client, topic string, isAdd bool) {
	for _, id := range h.notifications.Match(topic) {
		l, ok := h.registry[id]
		if !ok {
			continue
		}
		h.send(l, &protocol.ForwardedSubscriptionRequest{
			Host:     s.host,
			User:     s.user,
			ClientID: s.id,
			Topic:    topic,
			IsAdd:    isAdd,
		})
	}
}

func (h *Hub) handleNotification(l *client, m *protocol.NotificationRequest) {
	if m.IsAdd {
		re, err := regexp.Compile(m.Pattern)
		if err != nil {
			h.logger.Warn().
				Str("client_id", l.id).
				Str("pattern", m.Pattern).
				Err(err).
				Msg("invalid notification pattern")
			return
		}
		if h.notifications.Add(m.Pattern, re, l.id) {
			h.backfill(l, re)
		}
	} else {
		h.notifications.Remove(m.Pattern, l.id)
	}
	h.metrics.NotificationPatterns.Set(float64(h.notifications.Patterns()))
}

// backfill replays the current subscription state to a listener whose
// pattern just became active: one forwarded request per (matching topic,
// subscriber) pair.
func (h *Hub) backfill(l *client, re *regexp.Regexp) {
	for _, topic := range h.subscriptions.Match(re) {
		for id := range h.subscriptions.Subscribers(topic) {
			s, ok := h.registry[id]
			if !ok {
				continue
			}
			h.send(l, &protocol.ForwardedSubscriptionRequest{
				Host:     s.host,
				User:     s.user,
				ClientID: s.id,
				Topic:    topic,
				IsAdd:    true,
			})
		}
	}
}

func (h *Hub) handleDisconnect(ev Disconnect) {
	c, ok := h.registry[ev.ID]
	if !ok {
		return
	}

	// Purge order matters: subscription removals are announced before the
	// departing client's own listeners are forgotten.
	for _, topic := range h.subscriptions.RemoveClient(c.id) {
		h.notifyListeners(c, topic, false)
	}
	h.notifications.RemoveClient(c.id)

	for _, topic := range h.publishers.RemoveClient(c.id) {
		h.sendStale(c, topic)
	}

	delete(h.registry, c.id)
	close(c.outbox)

	h.metrics.Subscriptions.Set(float64(h.subscriptions.Entries()))
	h.metrics.NotificationPatterns.Set(float64(h.notifications.Patterns()))
	h.metrics.PublishedTopics.Set(float64(h.publishers.Topics()))
	h.logger.Info().Str("client_id", c.id).Str("user", c.user).Msg("client disconnected")
}

// sendStale tells every subscriber of topic that its last publisher is gone.
func (h *Hub) sendStale(p *client, topic string) {
	for id := range h.subscriptions.Subscribers(topic) {
		s, ok := h.registry[id]
		if !ok {
			continue
		}
		h.send(s, &protocol.ForwardedMulticastData{
			Host:        p.host,
			User:        p.user,
			Topic:       topic,
			ContentType: staleContentType,
		})
	}
}

// send enqueues msg on the client's outbox without blocking. A full outbox
// costs that client this delivery and nothing else; the hub must not stall
// on a stuck consumer.
func (h *Hub) send(c *client, msg protocol.Message) {
	select {
	case c.outbox <- msg:
		h.metrics.MessagesOut.WithLabelValues(msg.Type().String()).Inc()
		atomic.AddInt64(&h.stats.MessagesOut, 1)
	default:
		h.metrics.DroppedDeliveries.WithLabelValues(c.user).Inc()
		atomic.AddInt64(&h.stats.DroppedDeliveries, 1)
		h.logger.Warn().
			Str("client_id", c.id).
			Str("user", c.user).
			Stringer("type", msg.Type()).
			Msg("outbox full, delivery dropped")
	}
}
