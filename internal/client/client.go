// Package client is the Go client for the bus, used by the sbcli command
// and by end to end tests.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/squawkbus/squawkbus/internal/auth"
	"github.com/squawkbus/squawkbus/internal/protocol"
)

// Options configures a connection.
type Options struct {
	Host string
	Port int

	TLS      bool
	CAFile   string
	Insecure bool // skip certificate verification, for test rigs

	// Mode is "none" or "htpasswd". Under "none" the username is an
	// optional claimed identity; under "htpasswd" username and password are
	// verified by the server.
	Mode     string
	Username string
	Password string
}

// Client is a connected, authenticated session. Send methods are safe for
// concurrent use; received messages arrive on the Messages channel.
type Client struct {
	conn     net.Conn
	clientID string
	messages chan protocol.Message

	mu     sync.Mutex
	writer *protocol.Writer
}

// Dial connects, authenticates and starts the read loop.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if opts.TLS {
		tlsConfig := &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.Insecure,
			MinVersion:         tls.VersionTLS12,
		}
		if opts.CAFile != "" {
			pem, err := os.ReadFile(opts.CAFile)
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("read CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				conn.Close()
				return nil, fmt.Errorf("CA file %s holds no certificates", opts.CAFile)
			}
			tlsConfig.RootCAs = pool
		}
		conn = tls.Client(conn, tlsConfig)
	}

	c := &Client{
		conn:     conn,
		messages: make(chan protocol.Message, 64),
		writer:   protocol.NewWriter(conn),
	}
	if err := c.authenticate(opts); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) authenticate(opts Options) error {
	var credentials []byte
	method := opts.Mode
	switch method {
	case "", auth.MethodNone:
		method = auth.MethodNone
		credentials = []byte(opts.Username)
	case auth.MethodHtpasswd:
		credentials = []byte(opts.Username + "\n" + opts.Password)
	default:
		return fmt.Errorf("unknown authentication mode %q", opts.Mode)
	}

	if err := c.send(&protocol.AuthenticationRequest{Method: method, Credentials: credentials}); err != nil {
		return fmt.Errorf("send authentication request: %w", err)
	}

	reader := protocol.NewReader(c.conn, 0)
	msg, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read authentication response: %w", err)
	}
	resp, ok := msg.(*protocol.AuthenticationResponse)
	if !ok {
		return fmt.Errorf("unexpected %s before authentication response", msg.Type())
	}
	c.clientID = resp.ClientID
	return nil
}

// readLoop feeds the messages channel until the connection ends, then
// closes it. The handshake response was consumed by authenticate, so a
// fresh reader here starts cleanly at the next frame boundary.
func (c *Client) readLoop() {
	defer close(c.messages)
	reader := protocol.NewReader(c.conn, 0)
	for {
		msg, err := reader.Read()
		if err != nil {
			return
		}
		c.messages <- msg
	}
}

// ClientID is the identity the server issued at connect time.
func (c *Client) ClientID() string { return c.clientID }

// Messages delivers forwarded traffic. The channel closes when the
// connection does.
func (c *Client) Messages() <-chan protocol.Message { return c.messages }

func (c *Client) send(m protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writer.Write(m); err != nil {
		return err
	}
	return c.writer.Flush()
}

// Publish multicasts packets on a topic.
func (c *Client) Publish(topic, contentType string, packets []protocol.DataPacket) error {
	return c.send(&protocol.MulticastData{Topic: topic, ContentType: contentType, Packets: packets})
}

// Send unicasts packets to a single client.
func (c *Client) Send(destClientID, topic, contentType string, packets []protocol.DataPacket) error {
	return c.send(&protocol.UnicastData{ClientID: destClientID, Topic: topic, ContentType: contentType, Packets: packets})
}

// Subscribe adds one subscription to topic.
func (c *Client) Subscribe(topic string) error {
	return c.send(&protocol.SubscriptionRequest{Topic: topic, IsAdd: true})
}

// Unsubscribe removes one subscription from topic.
func (c *Client) Unsubscribe(topic string) error {
	return c.send(&protocol.SubscriptionRequest{Topic: topic})
}

// AddNotification registers interest in subscription changes on topics
// matching pattern.
func (c *Client) AddNotification(pattern string) error {
	return c.send(&protocol.NotificationRequest{Pattern: pattern, IsAdd: true})
}

// RemoveNotification withdraws a pattern registration.
func (c *Client) RemoveNotification(pattern string) error {
	return c.send(&protocol.NotificationRequest{Pattern: pattern})
}

// Close ends the session.
func (c *Client) Close() error {
	return c.conn.Close()
}
