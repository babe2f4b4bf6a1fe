package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/protocol"
	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/session"
	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/storage"
)

var (
	// ErrVersionIncompatible indicates a request version rejected by policy.
	ErrVersionIncompatible = errors.New("server: protocol version incompatible")
	// ErrNotAuthenticated indicates a request for an identity with no
	// registered client behind it.
	ErrNotAuthenticated = errors.New("server: client not authenticated")
	// ErrNoSessionKey indicates an encrypted request before key exchange.
	ErrNoSessionKey = errors.New("server: no session key established")
	// ErrBadFilename indicates a filename that would escape the storage dir.
	ErrBadFilename = errors.New("server: invalid filename")
)

// Dispatcher decodes inbound requests, enforces the version policy and
// routes each request code to its handler. Handlers never touch the socket;
// all reads and writes happen here.
type Dispatcher struct {
	store    *storage.Store
	registry *session.Registry
	policy   VersionPolicy

	storageDir   string
	readTimeout  time.Duration
	writeTimeout time.Duration

	log *logrus.Logger
}

// ServeConn drives the request/response loop for one client connection
// until the client disconnects or an error closes the connection.
func (d *Dispatcher) ServeConn(ctx context.Context, conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	log := d.log.WithField("remote", remote)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(d.readTimeout)); err != nil {
			log.WithError(err).Debug("set read deadline")
			return
		}

		req, err := protocol.ReadRequest(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			log.WithError(err).Debug("read request")
			d.sendError(conn, log)
			return
		}

		reqLog := log.WithFields(logrus.Fields{
			"code":    req.Header.Code,
			"version": req.Header.Version,
		})

		if !d.policy.Accepts(req.Header.Version) {
			reqLog.WithField("policy", d.policy.String()).Warn("incompatible protocol version")
			d.sendError(conn, log)
			return
		}

		code, payload, err := d.dispatch(ctx, req)
		if err != nil {
			// Internal detail is logged, never sent over the wire.
			reqLog.WithError(err).Warn("request failed")
			d.sendError(conn, log)
			return
		}

		if err := d.send(conn, code, payload); err != nil {
			reqLog.WithError(err).Debug("write response")
			return
		}
	}
}

// dispatch routes one decoded request. Adding a request code means adding a
// case here; the default arm rejects anything outside the table.
func (d *Dispatcher) dispatch(ctx context.Context, req protocol.Request) (uint16, []byte, error) {
	switch req.Header.Code {
	case protocol.CodeRegister:
		return d.handleRegister(ctx, req)
	case protocol.CodeSubmitPublicKey:
		return d.handleSubmitPublicKey(ctx, req)
	case protocol.CodeReconnect:
		return d.handleReconnect(ctx, req)
	case protocol.CodeSendFileChunk:
		return d.handleFileChunk(ctx, req)
	case protocol.CodeChecksumOK:
		return d.handleChecksumOK(ctx, req)
	case protocol.CodeChecksumRetry:
		return d.handleChecksumRetry(ctx, req)
	case protocol.CodeChecksumAbort:
		return d.handleChecksumAbort(ctx, req)
	default:
		return 0, nil, fmt.Errorf("%w: %d", protocol.ErrUnknownCode, req.Header.Code)
	}
}

func (d *Dispatcher) send(conn net.Conn, code uint16, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(d.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return protocol.WriteResponse(conn, protocol.ProtocolVersion, code, payload)
}

// sendError sends the generic error response. Best effort: the connection
// is closed right after either way.
func (d *Dispatcher) sendError(conn net.Conn, log *logrus.Entry) {
	if err := d.send(conn, protocol.CodeGeneralError, nil); err != nil {
		log.WithError(err).Debug("write error response")
	}
}
