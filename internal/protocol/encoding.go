package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
)

// ErrUnknownMessageType reports a payload whose type tag is not one of the
// nine defined codes.
var ErrUnknownMessageType = errors.New("protocol: unknown message type")

// Encode serializes a message payload: the type tag, then the fields in
// declaration order. Output is deterministic for a given message since
// entitlement sets are canonical.
func Encode(m Message) []byte {
	dst := make([]byte, 0, 64)
	dst = append(dst, byte(m.Type()))
	return m.encode(dst)
}

// Decode parses one frame payload. The payload must be exactly one tag plus
// its fields; truncated fields and trailing bytes are errors.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("protocol: empty payload: %w", io.ErrUnexpectedEOF)
	}
	tag := MessageType(payload[0])
	d := &decoder{buf: payload, off: 1}

	var m Message
	switch tag {
	case MessageTypeAuthenticationRequest:
		m = decodeAuthenticationRequest(d)
	case MessageTypeAuthenticationResponse:
		m = decodeAuthenticationResponse(d)
	case MessageTypeMulticastData:
		m = decodeMulticastData(d)
	case MessageTypeUnicastData:
		m = decodeUnicastData(d)
	case MessageTypeSubscriptionRequest:
		m = decodeSubscriptionRequest(d)
	case MessageTypeNotificationRequest:
		m = decodeNotificationRequest(d)
	case MessageTypeForwardedMulticastData:
		m = decodeForwardedMulticastData(d)
	case MessageTypeForwardedUnicastData:
		m = decodeForwardedUnicastData(d)
	case MessageTypeForwardedSubscriptionRequest:
		m = decodeForwardedSubscriptionRequest(d)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, payload[0])
	}

	if d.err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", tag, d.err)
	}
	if d.off != len(d.buf) {
		return nil, fmt.Errorf("protocol: decode %s: %d trailing bytes", tag, len(d.buf)-d.off)
	}
	return m, nil
}

func appendU32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

func appendI32(dst []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(v))
}

func appendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

// appendString writes a u32 byte length then the UTF-8 bytes.
func appendString(dst []byte, s string) []byte {
	dst = appendU32(dst, uint32(len(s)))
	return append(dst, s...)
}

// appendBytes writes a u32 length then the raw bytes.
func appendBytes(dst []byte, b []byte) []byte {
	dst = appendU32(dst, uint32(len(b)))
	return append(dst, b...)
}

// appendEntitlements writes a u32 count then the values as i32, in canonical
// order.
func appendEntitlements(dst []byte, s EntitlementSet) []byte {
	dst = appendU32(dst, uint32(len(s)))
	for _, v := range s {
		dst = appendI32(dst, v)
	}
	return dst
}

// appendPackets writes a u32 count then each packet's entitlements and data.
func appendPackets(dst []byte, packets []DataPacket) []byte {
	dst = appendU32(dst, uint32(len(packets)))
	for _, p := range packets {
		dst = appendEntitlements(dst, p.Entitlements)
		dst = appendBytes(dst, p.Data)
	}
	return dst
}

func (m *AuthenticationRequest) encode(dst []byte) []byte {
	dst = appendString(dst, m.Method)
	return appendBytes(dst, m.Credentials)
}

func (m *AuthenticationResponse) encode(dst []byte) []byte {
	return appendString(dst, m.ClientID)
}

func (m *MulticastData) encode(dst []byte) []byte {
	dst = appendString(dst, m.Topic)
	dst = appendString(dst, m.ContentType)
	return appendPackets(dst, m.Packets)
}

func (m *UnicastData) encode(dst []byte) []byte {
	dst = appendString(dst, m.ClientID)
	dst = appendString(dst, m.Topic)
	dst = appendString(dst, m.ContentType)
	return appendPackets(dst, m.Packets)
}

func (m *SubscriptionRequest) encode(dst []byte) []byte {
	dst = appendString(dst, m.Topic)
	return appendBool(dst, m.IsAdd)
}

func (m *NotificationRequest) encode(dst []byte) []byte {
	dst = appendString(dst, m.Pattern)
	return appendBool(dst, m.IsAdd)
}

func (m *ForwardedMulticastData) encode(dst []byte) []byte {
	dst = appendString(dst, m.Host)
	dst = appendString(dst, m.User)
	dst = appendString(dst, m.Topic)
	dst = appendString(dst, m.ContentType)
	return appendPackets(dst, m.Packets)
}

func (m *ForwardedUnicastData) encode(dst []byte) []byte {
	dst = appendString(dst, m.Host)
	dst = appendString(dst, m.User)
	dst = appendString(dst, m.ClientID)
	dst = appendString(dst, m.Topic)
	dst = appendString(dst, m.ContentType)
	return appendPackets(dst, m.Packets)
}

func (m *ForwardedSubscriptionRequest) encode(dst []byte) []byte {
	dst = appendString(dst, m.Host)
	dst = appendString(dst, m.User)
	dst = appendString(dst, m.ClientID)
	dst = appendString(dst, m.Topic)
	return appendBool(dst, m.IsAdd)
}

// decoder walks a payload with a sticky error so the message decoders read
// as straight-line field lists.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(field string) {
	if d.err == nil {
		d.err = fmt.Errorf("field %s: %w", field, io.ErrUnexpectedEOF)
	}
}

func (d *decoder) u32(field string) uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.buf)-d.off < 4 {
		d.fail(field)
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

// boolean reads one byte; 0x01 is true, anything else is false.
func (d *decoder) boolean(field string) bool {
	if d.err != nil {
		return false
	}
	if d.off >= len(d.buf) {
		d.fail(field)
		return false
	}
	v := d.buf[d.off]
	d.off++
	return v == 1
}

func (d *decoder) str(field string) string {
	n := d.u32(field)
	if d.err != nil {
		return ""
	}
	if int64(n) > int64(len(d.buf)-d.off) {
		d.fail(field)
		return ""
	}
	v := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return v
}

// raw returns a slice of the payload buffer; callers own the frame buffer
// so no copy is taken. Zero length decodes as nil.
func (d *decoder) raw(field string) []byte {
	n := d.u32(field)
	if d.err != nil {
		return nil
	}
	if int64(n) > int64(len(d.buf)-d.off) {
		d.fail(field)
		return nil
	}
	if n == 0 {
		return nil
	}
	v := d.buf[d.off : d.off+int(n) : d.off+int(n)]
	d.off += int(n)
	return v
}

func (d *decoder) entitlements(field string) EntitlementSet {
	n := d.u32(field)
	if d.err != nil {
		return nil
	}
	if int64(n)*4 > int64(len(d.buf)-d.off) {
		d.fail(field)
		return nil
	}
	if n == 0 {
		return nil
	}
	vals := make([]int32, n)
	for i := range vals {
		vals[i] = int32(binary.BigEndian.Uint32(d.buf[d.off:]))
		d.off += 4
	}
	slices.Sort(vals)
	return EntitlementSet(slices.Compact(vals))
}

func (d *decoder) packets(field string) []DataPacket {
	n := d.u32(field)
	if d.err != nil {
		return nil
	}
	// The smallest packet is eight bytes: two zero counts.
	if int64(n)*8 > int64(len(d.buf)-d.off) {
		d.fail(field)
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]DataPacket, n)
	for i := range out {
		out[i].Entitlements = d.entitlements(field)
		out[i].Data = d.raw(field)
	}
	return out
}

func decodeAuthenticationRequest(d *decoder) *AuthenticationRequest {
	m := &AuthenticationRequest{}
	m.Method = d.str("method")
	m.Credentials = d.raw("credentials")
	return m
}

func decodeAuthenticationResponse(d *decoder) *AuthenticationResponse {
	m := &AuthenticationResponse{}
	m.ClientID = d.str("client_id")
	return m
}

func decodeMulticastData(d *decoder) *MulticastData {
	m := &MulticastData{}
	m.Topic = d.str("topic")
	m.ContentType = d.str("content_type")
	m.Packets = d.packets("packets")
	return m
}

func decodeUnicastData(d *decoder) *UnicastData {
	m := &UnicastData{}
	m.ClientID = d.str("client_id")
	m.Topic = d.str("topic")
	m.ContentType = d.str("content_type")
	m.Packets = d.packets("packets")
	return m
}

func decodeSubscriptionRequest(d *decoder) *SubscriptionRequest {
	m := &SubscriptionRequest{}
	m.Topic = d.str("topic")
	m.IsAdd = d.boolean("is_add")
	return m
}

func decodeNotificationRequest(d *decoder) *NotificationRequest {
	m := &NotificationRequest{}
	m.Pattern = d.str("pattern")
	m.IsAdd = d.boolean("is_add")
	return m
}

func decodeForwardedMulticastData(d *decoder) *ForwardedMulticastData {
	m := &ForwardedMulticastData{}
	m.Host = d.str("host")
	m.User = d.str("user")
	m.Topic = d.str("topic")
	m.ContentType = d.str("content_type")
	m.Packets = d.packets("packets")
	return m
}

func decodeForwardedUnicastData(d *decoder) *ForwardedUnicastData {
	m := &ForwardedUnicastData{}
	m.Host = d.str("host")
	m.User = d.str("user")
	m.ClientID = d.str("client_id")
	m.Topic = d.str("topic")
	m.ContentType = d.str("content_type")
	m.Packets = d.packets("packets")
	return m
}

func decodeForwardedSubscriptionRequest(d *decoder) *ForwardedSubscriptionRequest {
	m := &ForwardedSubscriptionRequest{}
	m.Host = d.str("host")
	m.User = d.str("user")
	m.ClientID = d.str("client_id")
	m.Topic = d.str("topic")
	m.IsAdd = d.boolean("is_add")
	return m
}
