package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/squawkbus/squawkbus/internal/hub"
	"github.com/squawkbus/squawkbus/internal/protocol"
)

// handshakeTimeout bounds the wait for the authentication frame. Connected
// clients get no read deadline; idle subscribers are legitimate.
const handshakeTimeout = 10 * time.Second

// interactor mediates between one socket and the hub: handshake, then an
// ingress pump (frames to hub events) and an egress pump (outbox to
// frames). It never touches routing state.
type interactor struct {
	srv    *Server
	conn   net.Conn
	reader *protocol.Reader

	id         string
	host       string
	user       string
	registered bool
	outbox     chan protocol.Message

	logger         zerolog.Logger
	closeOnce      sync.Once
	disconnectOnce sync.Once
}

func (s *Server) runInteractor(ctx context.Context, conn net.Conn) {
	defer s.untrack(conn)

	host := conn.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	conn = &meteredConn{Conn: conn, in: s.metrics.BytesIn, out: s.metrics.BytesOut}
	it := &interactor{
		srv:    s,
		conn:   conn,
		reader: protocol.NewReader(conn, s.cfg.MaxFrameBytes),
		host:   host,
		outbox: make(chan protocol.Message, s.cfg.ClientQueueSize),
		logger: s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	defer it.closeConn()

	if err := it.handshake(ctx); err != nil {
		it.logger.Warn().Err(err).Msg("handshake failed")
		if it.registered {
			it.postDisconnect(ctx)
		}
		return
	}
	it.logger = it.logger.With().Str("client_id", it.id).Str("user", it.user).Logger()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		it.egress(ctx)
	}()

	it.ingress(ctx)
	it.postDisconnect(ctx)
	wg.Wait()
}

// handshake reads the single authentication frame, resolves the user,
// registers with the hub and answers with the issued client id. Nothing is
// written on failure; the closed socket is the rejection.
func (it *interactor) handshake(ctx context.Context) error {
	it.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	msg, err := it.reader.Read()
	if err != nil {
		return err
	}
	it.conn.SetReadDeadline(time.Time{})

	req, ok := msg.(*protocol.AuthenticationRequest)
	if !ok {
		return errors.New("expected authentication request")
	}

	user, err := it.srv.authenticator.Authenticate(req.Method, req.Credentials)
	if err != nil {
		it.srv.metrics.AuthFailures.Inc()
		return err
	}
	it.user = user
	it.id = uuid.NewString()

	if err := it.srv.hub.Post(ctx, hub.Connect{
		ID:     it.id,
		Host:   it.host,
		User:   it.user,
		Outbox: it.outbox,
	}); err != nil {
		return err
	}
	it.registered = true

	// The response is the first frame the client receives.
	writer := protocol.NewWriter(it.conn)
	it.conn.SetWriteDeadline(time.Now().Add(it.srv.cfg.WriteTimeout))
	if err := writer.Write(&protocol.AuthenticationResponse{ClientID: it.id}); err != nil {
		return err
	}
	return writer.Flush()
}

// ingress decodes frames and forwards them to the hub until the stream
// ends. Any protocol violation ends the connection.
func (it *interactor) ingress(ctx context.Context) {
	for {
		msg, err := it.reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				it.logger.Debug().Err(err).Msg("read ended")
			}
			return
		}

		switch msg.(type) {
		case *protocol.MulticastData, *protocol.UnicastData,
			*protocol.SubscriptionRequest, *protocol.NotificationRequest:
		default:
			it.logger.Warn().Stringer("type", msg.Type()).Msg("illegal message type, closing")
			return
		}

		it.srv.metrics.MessagesIn.WithLabelValues(msg.Type().String()).Inc()
		atomic.AddInt64(&it.srv.stats.MessagesIn, 1)

		if err := it.srv.hub.Post(ctx, hub.Inbound{ID: it.id, Message: msg}); err != nil {
			return
		}
	}
}

// egress drains the outbox onto the socket, batching whatever is queued
// behind one flush. It ends when the hub closes the outbox (disconnect
// processed), on write failure, or at shutdown.
func (it *interactor) egress(ctx context.Context) {
	defer it.closeConn()
	writer := protocol.NewWriter(it.conn)

	for {
		select {
		case msg, ok := <-it.outbox:
			if !ok {
				return
			}
			it.conn.SetWriteDeadline(time.Now().Add(it.srv.cfg.WriteTimeout))
			if err := writer.Write(msg); err != nil {
				it.logger.Debug().Err(err).Msg("write failed")
				return
			}
			for n := len(it.outbox); n > 0; n-- {
				msg, ok := <-it.outbox
				if !ok {
					writer.Flush()
					return
				}
				if err := writer.Write(msg); err != nil {
					it.logger.Debug().Err(err).Msg("write failed")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				it.logger.Debug().Err(err).Msg("flush failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// postDisconnect tells the hub the connection is gone, exactly once. At
// shutdown the hub may already be stopping; then the event is moot.
func (it *interactor) postDisconnect(ctx context.Context) {
	it.disconnectOnce.Do(func() {
		if err := it.srv.hub.Post(ctx, hub.Disconnect{ID: it.id}); err != nil {
			it.logger.Debug().Err(err).Msg("disconnect not delivered, hub stopping")
		}
	})
}

// closeConn closes the socket once; either pump may get there first.
func (it *interactor) closeConn() {
	it.closeOnce.Do(func() { it.conn.Close() })
}
