// Package protocol defines the SquawkBus wire messages and their framed
// binary encoding.
//
// Every frame is a big-endian u32 payload length followed by the payload.
// The payload starts with a one byte message type tag, then the message
// fields in declaration order. Primitive encodings are described on the
// codec functions in encoding.go.
package protocol

// MessageType tags the payload of a frame.
type MessageType uint8

// Wire-stable message type codes.
const (
	MessageTypeAuthenticationRequest MessageType = iota + 1
	MessageTypeAuthenticationResponse
	MessageTypeMulticastData
	MessageTypeUnicastData
	MessageTypeSubscriptionRequest
	MessageTypeNotificationRequest
	MessageTypeForwardedMulticastData
	MessageTypeForwardedUnicastData
	MessageTypeForwardedSubscriptionRequest
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeAuthenticationRequest:
		return "AuthenticationRequest"
	case MessageTypeAuthenticationResponse:
		return "AuthenticationResponse"
	case MessageTypeMulticastData:
		return "MulticastData"
	case MessageTypeUnicastData:
		return "UnicastData"
	case MessageTypeSubscriptionRequest:
		return "SubscriptionRequest"
	case MessageTypeNotificationRequest:
		return "NotificationRequest"
	case MessageTypeForwardedMulticastData:
		return "ForwardedMulticastData"
	case MessageTypeForwardedUnicastData:
		return "ForwardedUnicastData"
	case MessageTypeForwardedSubscriptionRequest:
		return "ForwardedSubscriptionRequest"
	default:
		return "Unknown"
	}
}

// Message is the closed set of frames that travel between client and server.
type Message interface {
	Type() MessageType

	// encode appends the message fields (not the type tag) to dst.
	encode(dst []byte) []byte
}

// DataPacket is one unit of published data. Entitlements restrict who may
// receive the packet; Data is opaque to the bus.
type DataPacket struct {
	Entitlements EntitlementSet
	Data         []byte
}

// AuthenticationRequest opens every connection. Method selects the
// authentication scheme; Credentials is scheme-specific.
type AuthenticationRequest struct {
	Method      string
	Credentials []byte
}

// AuthenticationResponse tells a freshly authenticated client the id the
// server issued for it.
type AuthenticationResponse struct {
	ClientID string
}

// MulticastData publishes packets to every subscriber of Topic.
type MulticastData struct {
	Topic       string
	ContentType string
	Packets     []DataPacket
}

// UnicastData publishes packets to the single client named by ClientID.
type UnicastData struct {
	ClientID    string
	Topic       string
	ContentType string
	Packets     []DataPacket
}

// SubscriptionRequest adds or removes one subscription to Topic.
type SubscriptionRequest struct {
	Topic string
	IsAdd bool
}

// NotificationRequest registers or withdraws interest in subscription
// changes for topics matching the regular expression Pattern.
type NotificationRequest struct {
	Pattern string
	IsAdd   bool
}

// ForwardedMulticastData delivers a publication to a subscriber, stamped
// with the publisher's host and user. An empty packet list signals a stale
// topic: the last publisher has gone.
type ForwardedMulticastData struct {
	Host        string
	User        string
	Topic       string
	ContentType string
	Packets     []DataPacket
}

// ForwardedUnicastData delivers a directed publication, stamped with the
// sending client's host, user and id.
type ForwardedUnicastData struct {
	Host        string
	User        string
	ClientID    string
	Topic       string
	ContentType string
	Packets     []DataPacket
}

// ForwardedSubscriptionRequest informs a notification listener that a
// client added or removed its subscription to Topic.
type ForwardedSubscriptionRequest struct {
	Host     string
	User     string
	ClientID string
	Topic    string
	IsAdd    bool
}

func (*AuthenticationRequest) Type() MessageType  { return MessageTypeAuthenticationRequest }
func (*AuthenticationResponse) Type() MessageType { return MessageTypeAuthenticationResponse }
func (*MulticastData) Type() MessageType          { return MessageTypeMulticastData }
func (*UnicastData) Type() MessageType            { return MessageTypeUnicastData }
func (*SubscriptionRequest) Type() MessageType    { return MessageTypeSubscriptionRequest }
func (*NotificationRequest) Type() MessageType    { return MessageTypeNotificationRequest }
func (*ForwardedMulticastData) Type() MessageType { return MessageTypeForwardedMulticastData }
func (*ForwardedUnicastData) Type() MessageType   { return MessageTypeForwardedUnicastData }
func (*ForwardedSubscriptionRequest) Type() MessageType {
	return MessageTypeForwardedSubscriptionRequest
}
