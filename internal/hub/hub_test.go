package hub

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squawkbus/squawkbus/internal/authz"
	"github.com/squawkbus/squawkbus/internal/monitoring"
	"github.com/squawkbus/squawkbus/internal/protocol"
)

// testHub drives the dispatch path synchronously: events are handled inline
// rather than through the inbox, so every assertion sees a settled state.
type testHub struct {
	*Hub
	outboxes map[string]chan protocol.Message
}

func newTestHub(t *testing.T, entries []authz.Authorization) *testHub {
	t.Helper()
	policy, err := authz.NewPolicy(entries)
	require.NoError(t, err)
	h := New(64, policy, zerolog.Nop(), monitoring.NewMetrics(), monitoring.NewStats())
	return &testHub{Hub: h, outboxes: make(map[string]chan protocol.Message)}
}

func (th *testHub) connect(id, host, user string) {
	outbox := make(chan protocol.Message, 16)
	th.outboxes[id] = outbox
	th.handle(Connect{ID: id, Host: host, User: user, Outbox: outbox})
}

func (th *testHub) inbound(id string, m protocol.Message) {
	th.handle(Inbound{ID: id, Message: m})
}

// received drains everything queued for a client.
func (th *testHub) received(id string) []protocol.Message {
	var out []protocol.Message
	for {
		select {
		case m := <-th.outboxes[id]:
			out = append(out, m)
		default:
			return out
		}
	}
}

func packets(data string, ents ...int32) []protocol.DataPacket {
	return []protocol.DataPacket{{Entitlements: protocol.NewEntitlementSet(ents...), Data: []byte(data)}}
}

func TestBasicMulticast(t *testing.T) {
	th := newTestHub(t, nil)
	th.connect("a1", "hosta", "alice")
	th.connect("b1", "hostb", "bob")
	th.connect("c1", "hostc", "carol")

	th.inbound("a1", &protocol.SubscriptionRequest{Topic: "VOD LSE", IsAdd: true})
	th.inbound("b1", &protocol.MulticastData{
		Topic:       "VOD LSE",
		ContentType: "text/plain",
		Packets:     packets("hi"),
	})

	got := th.received("a1")
	require.Len(t, got, 1)
	assert.Equal(t, &protocol.ForwardedMulticastData{
		Host:        "hostb",
		User:        "bob",
		Topic:       "VOD LSE",
		ContentType: "text/plain",
		Packets:     packets("hi"),
	}, got[0])

	assert.Empty(t, th.received("b1"), "publisher is not a subscriber")
	assert.Empty(t, th.received("c1"), "no subscription, no delivery")
}

func TestMulticastWithoutSubscribersIsDropped(t *testing.T) {
	th := newTestHub(t, nil)
	th.connect("b1", "hostb", "bob")
	th.inbound("b1", &protocol.MulticastData{Topic: "t", ContentType: "x", Packets: packets("hi")})
	assert.Empty(t, th.received("b1"))
	assert.Zero(t, th.publishers.Topics(), "publisher recorded only on successful publish")
}

func TestUnicast(t *testing.T) {
	th := newTestHub(t, nil)
	th.connect("a1", "hosta", "alice")
	th.connect("b1", "hostb", "bob")

	th.inbound("b1", &protocol.UnicastData{
		ClientID:    "a1",
		Topic:       "chat",
		ContentType: "text/plain",
		Packets:     packets("ping"),
	})

	got := th.received("a1")
	require.Len(t, got, 1)
	assert.Equal(t, &protocol.ForwardedUnicastData{
		Host:        "hostb",
		User:        "bob",
		ClientID:    "b1",
		Topic:       "chat",
		ContentType: "text/plain",
		Packets:     packets("ping"),
	}, got[0])
}

func TestUnicastToUnknownClientIsDropped(t *testing.T) {
	th := newTestHub(t, nil)
	th.connect("b1", "hostb", "bob")
	th.inbound("b1", &protocol.UnicastData{ClientID: "nope", Topic: "chat", ContentType: "x", Packets: packets("ping")})
	assert.Empty(t, th.received("b1"))
}

func TestNotificationBackfillAndTransitions(t *testing.T) {
	th := newTestHub(t, nil)
	th.connect("a1", "hosta", "alice")
	th.connect("b1", "hostb", "bob")

	th.inbound("a1", &protocol.SubscriptionRequest{Topic: "market.LSE.VOD", IsAdd: true})

	// Registration back-fills the existing subscription.
	th.inbound("b1", &protocol.NotificationRequest{Pattern: `market\.LSE\..*`, IsAdd: true})
	got := th.received("b1")
	require.Len(t, got, 1)
	assert.Equal(t, &protocol.ForwardedSubscriptionRequest{
		Host:     "hosta",
		User:     "alice",
		ClientID: "a1",
		Topic:    "market.LSE.VOD",
		IsAdd:    true,
	}, got[0])

	// 1->2 is not a transition.
	th.inbound("a1", &protocol.SubscriptionRequest{Topic: "market.LSE.VOD", IsAdd: true})
	assert.Empty(t, th.received("b1"))

	// 2->1 is not a transition either.
	th.inbound("a1", &protocol.SubscriptionRequest{Topic: "market.LSE.VOD", IsAdd: false})
	assert.Empty(t, th.received("b1"))

	// 1->0 notifies the removal.
	th.inbound("a1", &protocol.SubscriptionRequest{Topic: "market.LSE.VOD", IsAdd: false})
	got = th.received("b1")
	require.Len(t, got, 1)
	assert.Equal(t, &protocol.ForwardedSubscriptionRequest{
		Host:     "hosta",
		User:     "alice",
		ClientID: "a1",
		Topic:    "market.LSE.VOD",
		IsAdd:    false,
	}, got[0])
}

func TestNotificationOnNewSubscription(t *testing.T) {
	th := newTestHub(t, nil)
	th.connect("a1", "hosta", "alice")
	th.connect("b1", "hostb", "bob")

	th.inbound("b1", &protocol.NotificationRequest{Pattern: `market\..*`, IsAdd: true})
	assert.Empty(t, th.received("b1"), "nothing to back-fill yet")

	th.inbound("a1", &protocol.SubscriptionRequest{Topic: "market.LSE.VOD", IsAdd: true})
	got := th.received("b1")
	require.Len(t, got, 1)
	assert.Equal(t, "market.LSE.VOD", got[0].(*protocol.ForwardedSubscriptionRequest).Topic)
}

func TestInvalidNotificationPatternIsRejected(t *testing.T) {
	th := newTestHub(t, nil)
	th.connect("b1", "hostb", "bob")

	th.inbound("b1", &protocol.NotificationRequest{Pattern: "(", IsAdd: true})
	assert.Zero(t, th.notifications.Patterns())
	assert.Empty(t, th.received("b1"))

	// The connection stays usable.
	th.inbound("b1", &protocol.SubscriptionRequest{Topic: "t", IsAdd: true})
	assert.Equal(t, 1, th.subscriptions.Entries())
}

func TestEntitlementIntersection(t *testing.T) {
	th := newTestHub(t, []authz.Authorization{
		{User: "u1", Topic: "t", Entitlements: protocol.NewEntitlementSet(1, 2), Roles: authz.Publisher},
		{User: "u2", Topic: "t", Entitlements: protocol.NewEntitlementSet(2, 3), Roles: authz.Subscriber},
	})
	th.connect("p1", "hostp", "u1")
	th.connect("s1", "hosts", "u2")

	th.inbound("s1", &protocol.SubscriptionRequest{Topic: "t", IsAdd: true})
	th.inbound("p1", &protocol.MulticastData{
		Topic:       "t",
		ContentType: "text/plain",
		Packets: []protocol.DataPacket{
			{Entitlements: protocol.NewEntitlementSet(1), Data: []byte("a")},
			{Entitlements: protocol.NewEntitlementSet(2), Data: []byte("b")},
			{Entitlements: protocol.NewEntitlementSet(3), Data: []byte("c")},
		},
	})

	got := th.received("s1")
	require.Len(t, got, 1)
	fwd := got[0].(*protocol.ForwardedMulticastData)
	require.Len(t, fwd.Packets, 1)
	assert.Equal(t, []byte("b"), fwd.Packets[0].Data)
}

func TestDisjointEntitlementsSkipSubscriber(t *testing.T) {
	th := newTestHub(t, []authz.Authorization{
		{User: "u1", Topic: "t", Entitlements: protocol.NewEntitlementSet(1), Roles: authz.Publisher},
		{User: "u2", Topic: "t", Entitlements: protocol.NewEntitlementSet(2), Roles: authz.Subscriber},
	})
	th.connect("p1", "hostp", "u1")
	th.connect("s1", "hosts", "u2")

	th.inbound("s1", &protocol.SubscriptionRequest{Topic: "t", IsAdd: true})
	th.inbound("p1", &protocol.MulticastData{Topic: "t", ContentType: "x", Packets: packets("a", 1)})
	assert.Empty(t, th.received("s1"))
}

func TestEntitlementMonotonicity(t *testing.T) {
	// A subscriber with a superset of another's entitlements receives at
	// least the same packets.
	th := newTestHub(t, []authz.Authorization{
		{User: "pub", Topic: "t", Entitlements: protocol.NewEntitlementSet(1, 2, 3), Roles: authz.Publisher},
		{User: "small", Topic: "t", Entitlements: protocol.NewEntitlementSet(2), Roles: authz.Subscriber},
		{User: "big", Topic: "t", Entitlements: protocol.NewEntitlementSet(1, 2), Roles: authz.Subscriber},
	})
	th.connect("p1", "hostp", "pub")
	th.connect("s1", "hosts", "small")
	th.connect("s2", "hosts", "big")

	th.inbound("s1", &protocol.SubscriptionRequest{Topic: "t", IsAdd: true})
	th.inbound("s2", &protocol.SubscriptionRequest{Topic: "t", IsAdd: true})
	th.inbound("p1", &protocol.MulticastData{Topic: "t", ContentType: "x", Packets: []protocol.DataPacket{
		{Entitlements: protocol.NewEntitlementSet(2), Data: []byte("b")},
		{Entitlements: protocol.NewEntitlementSet(1, 2), Data: []byte("ab")},
	}})

	small := th.received("s1")[0].(*protocol.ForwardedMulticastData)
	big := th.received("s2")[0].(*protocol.ForwardedMulticastData)
	require.Len(t, small.Packets, 1)
	require.Len(t, big.Packets, 2)
	assert.Equal(t, []byte("b"), small.Packets[0].Data)
}

func TestSubscriptionDeniedByPolicy(t *testing.T) {
	th := newTestHub(t, []authz.Authorization{
		{User: "other", Topic: "t", Entitlements: protocol.NewEntitlementSet(1), Roles: authz.Subscriber},
	})
	th.connect("s1", "hosts", "alice")

	th.inbound("s1", &protocol.SubscriptionRequest{Topic: "t", IsAdd: true})
	assert.Zero(t, th.subscriptions.Entries(), "unauthorized subscription is not recorded")
	assert.Empty(t, th.received("s1"), "rejection is silent")
}

func TestStaleTopicOnPublisherClose(t *testing.T) {
	th := newTestHub(t, nil)
	th.connect("p1", "hostp", "pub")
	th.connect("s1", "hosts", "sub")

	th.inbound("s1", &protocol.SubscriptionRequest{Topic: "t", IsAdd: true})
	th.inbound("p1", &protocol.MulticastData{Topic: "t", ContentType: "text/plain", Packets: packets("x")})
	th.received("s1") // drain the publication

	th.handle(Disconnect{ID: "p1"})
	got := th.received("s1")
	require.Len(t, got, 1)
	assert.Equal(t, &protocol.ForwardedMulticastData{
		Host:        "hostp",
		User:        "pub",
		Topic:       "t",
		ContentType: "application/octet-stream",
	}, got[0])

	// Exactly once: a second disconnect is a no-op.
	th.handle(Disconnect{ID: "p1"})
	assert.Empty(t, th.received("s1"))
}

func TestNoStaleTopicWhileAnotherPublisherRemains(t *testing.T) {
	th := newTestHub(t, nil)
	th.connect("p1", "hostp", "pub1")
	th.connect("p2", "hostp", "pub2")
	th.connect("s1", "hosts", "sub")

	th.inbound("s1", &protocol.SubscriptionRequest{Topic: "t", IsAdd: true})
	th.inbound("p1", &protocol.MulticastData{Topic: "t", ContentType: "x", Packets: packets("a")})
	th.inbound("p2", &protocol.MulticastData{Topic: "t", ContentType: "x", Packets: packets("b")})
	th.received("s1")

	th.handle(Disconnect{ID: "p1"})
	assert.Empty(t, th.received("s1"), "p2 still publishes t")

	th.handle(Disconnect{ID: "p2"})
	require.Len(t, th.received("s1"), 1)
}

func TestDisconnectPurgesEverything(t *testing.T) {
	th := newTestHub(t, nil)
	th.connect("a1", "hosta", "alice")
	th.connect("b1", "hostb", "bob")

	th.inbound("a1", &protocol.SubscriptionRequest{Topic: "t1", IsAdd: true})
	th.inbound("a1", &protocol.SubscriptionRequest{Topic: "t1", IsAdd: true})
	th.inbound("a1", &protocol.SubscriptionRequest{Topic: "t2", IsAdd: true})
	th.inbound("a1", &protocol.NotificationRequest{Pattern: ".*", IsAdd: true})
	th.inbound("b1", &protocol.SubscriptionRequest{Topic: "t9", IsAdd: true})
	th.received("a1")

	th.inbound("b1", &protocol.NotificationRequest{Pattern: "t1", IsAdd: true})
	th.received("b1") // drain back-fill

	th.handle(Disconnect{ID: "a1"})

	// The departed client is in no index and no registry entry.
	assert.NotContains(t, th.registry, "a1")
	assert.Empty(t, th.subscriptions.Subscribers("t1"))
	assert.Empty(t, th.subscriptions.Subscribers("t2"))
	assert.Equal(t, 1, th.notifications.Patterns(), "only b1's pattern remains")

	// b1 heard about t1 going away despite a1's refcount of two.
	got := th.received("b1")
	require.Len(t, got, 1)
	fwd := got[0].(*protocol.ForwardedSubscriptionRequest)
	assert.Equal(t, "t1", fwd.Topic)
	assert.False(t, fwd.IsAdd)

	// The outbox is closed so the egress pump can exit. a1 may first hear
	// about its own subscriptions going away; drain those.
	for i := 0; ; i++ {
		if _, open := <-th.outboxes["a1"]; !open {
			break
		}
		require.Less(t, i, 16, "outbox was never closed")
	}
}

func TestPolicyResetAppliesToSubsequentTraffic(t *testing.T) {
	th := newTestHub(t, []authz.Authorization{
		{User: "u1", Topic: "t", Entitlements: protocol.NewEntitlementSet(1), Roles: authz.Publisher},
		{User: "u2", Topic: "t", Entitlements: protocol.NewEntitlementSet(1), Roles: authz.Subscriber},
	})
	th.connect("p1", "hostp", "u1")
	th.connect("s1", "hosts", "u2")

	th.inbound("s1", &protocol.SubscriptionRequest{Topic: "t", IsAdd: true})
	th.inbound("p1", &protocol.MulticastData{Topic: "t", ContentType: "x", Packets: packets("a", 1)})
	require.Len(t, th.received("s1"), 1)

	// The new policy strips u2's subscriber entitlements on t.
	next, err := authz.NewPolicy([]authz.Authorization{
		{User: "u1", Topic: "t", Entitlements: protocol.NewEntitlementSet(1), Roles: authz.Publisher},
	})
	require.NoError(t, err)
	th.handle(Reset{Policy: next})

	// No retroactive unsubscription, but deliveries stop.
	assert.Equal(t, 1, th.subscriptions.Entries())
	th.inbound("p1", &protocol.MulticastData{Topic: "t", ContentType: "x", Packets: packets("a", 1)})
	assert.Empty(t, th.received("s1"))
}

func TestFullOutboxDropsDeliveryOnly(t *testing.T) {
	th := newTestHub(t, nil)

	outbox := make(chan protocol.Message, 1)
	th.outboxes["s1"] = outbox
	th.handle(Connect{ID: "s1", Host: "hosts", User: "sub", Outbox: outbox})
	th.connect("p1", "hostp", "pub")

	th.inbound("s1", &protocol.SubscriptionRequest{Topic: "t", IsAdd: true})
	th.inbound("p1", &protocol.MulticastData{Topic: "t", ContentType: "x", Packets: packets("one")})
	th.inbound("p1", &protocol.MulticastData{Topic: "t", ContentType: "x", Packets: packets("two")})

	got := th.received("s1")
	require.Len(t, got, 1, "second delivery dropped, not queued")
	assert.Equal(t, []byte("one"), got[0].(*protocol.ForwardedMulticastData).Packets[0].Data)

	// The subscriber is still registered and keeps receiving.
	th.inbound("p1", &protocol.MulticastData{Topic: "t", ContentType: "x", Packets: packets("three")})
	require.Len(t, th.received("s1"), 1)
}

func TestRunProcessesPostedEvents(t *testing.T) {
	th := newTestHub(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go th.Run(ctx)

	outbox := make(chan protocol.Message, 16)
	require.NoError(t, th.Post(ctx, Connect{ID: "a1", Host: "h", User: "u", Outbox: outbox}))
	require.NoError(t, th.Post(ctx, Inbound{ID: "a1", Message: &protocol.SubscriptionRequest{Topic: "t", IsAdd: true}}))
	require.NoError(t, th.Post(ctx, Disconnect{ID: "a1"}))

	// The outbox closing proves the whole sequence was processed in order.
	select {
	case _, open := <-outbox:
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not process the disconnect")
	}
}

func TestPostFailsAfterCancel(t *testing.T) {
	th := newTestHub(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Fill the inbox so Post has to wait, then observe the ctx failure.
	for i := 0; i < cap(th.inbox); i++ {
		th.inbox <- Disconnect{ID: "x"}
	}
	assert.ErrorIs(t, th.Post(ctx, Disconnect{ID: "y"}), context.Canceled)
}
