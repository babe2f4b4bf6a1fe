// Package client implements the backup client: a sequential state machine
// that connects, authenticates, exchanges keys, then encrypts and uploads a
// file chunk by chunk and verifies the server's checksum.
package client

import (
	"context"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/crypto"
	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/protocol"
)

// State is a phase of the transfer state machine.
type State string

const (
	StateIdle           State = "IDLE"
	StateConnecting     State = "CONNECTING"
	StateAuthenticating State = "AUTHENTICATING"
	StateKeyExchange    State = "KEY_EXCHANGE"
	StateTransferring   State = "TRANSFERRING"
	StateVerifying      State = "VERIFYING"
	StateCompleted      State = "COMPLETED"
	StateFailed         State = "FAILED"
)

const (
	// DefaultConnectRetries bounds connection attempts.
	DefaultConnectRetries = 3
	// DefaultConnectRetryDelay is the fixed delay between connect attempts.
	DefaultConnectRetryDelay = 2 * time.Second
	// DefaultRequestTimeout bounds each request/response exchange.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultChunkSize is the plaintext size of each transferred chunk.
	DefaultChunkSize = 256 * 1024
	// maxTransferAttempts bounds full-file sends before aborting: the
	// initial transfer plus two checksum retries.
	maxTransferAttempts = 3
)

var (
	// ErrConnection indicates the server could not be reached within the
	// configured retry bound.
	ErrConnection = errors.New("client: connection failed")
	// ErrAuthFailed indicates a rejected registration or reconnect.
	// Terminal; the caller must not retry.
	ErrAuthFailed = errors.New("client: authentication failed")
	// ErrChecksum indicates the transfer was abandoned after repeated
	// checksum mismatches.
	ErrChecksum = errors.New("client: checksum verification failed")
	// ErrTimeout indicates a request or response exceeded its deadline.
	ErrTimeout = errors.New("client: request timed out")
	// ErrServerError indicates a generic error response from the server.
	ErrServerError = errors.New("client: server reported an error")
	// ErrUnexpectedResponse indicates a response code outside the expected
	// flow.
	ErrUnexpectedResponse = errors.New("client: unexpected response")
)

// ProgressFunc receives phase transitions and transfer progress.
type ProgressFunc func(state State, sentBytes, totalBytes int64)

// Options configures a Client.
type Options struct {
	ServerAddr string
	Name       string

	PrivateKeyPath string
	IdentityPath   string

	ConnectRetries    int
	ConnectRetryDelay time.Duration
	RequestTimeout    time.Duration
	ChunkSize         int

	Logger   *logrus.Logger
	Progress ProgressFunc
}

func (o Options) withDefaults() Options {
	out := o
	if out.ConnectRetries <= 0 {
		out.ConnectRetries = DefaultConnectRetries
	}
	if out.ConnectRetryDelay <= 0 {
		out.ConnectRetryDelay = DefaultConnectRetryDelay
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// Client uploads files to a backup server. It is single-threaded and fully
// sequential: each phase blocks until its network operation completes or
// times out.
type Client struct {
	opts Options
	log  *logrus.Logger

	conn       net.Conn
	state      State
	id         protocol.ClientID
	privateKey *rsa.PrivateKey
	sessionKey []byte

	// tamperChunk, when set, mutates each chunk's ciphertext before it is
	// sent. Used by tests to simulate in-transit corruption.
	tamperChunk func([]byte)
}

// New creates a client. Validation failures are reported before any
// network activity.
func New(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	if opts.ServerAddr == "" {
		return nil, errors.New("server address is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("client name is required")
	}
	if opts.PrivateKeyPath == "" {
		return nil, errors.New("private key path is required")
	}
	if opts.IdentityPath == "" {
		return nil, errors.New("identity path is required")
	}

	return &Client{
		opts:  opts,
		log:   opts.Logger,
		state: StateIdle,
	}, nil
}

// State returns the current phase.
func (c *Client) State() State {
	return c.state
}

// Identity returns the assigned client identity, zero before authentication.
func (c *Client) Identity() protocol.ClientID {
	return c.id
}

// Backup uploads one file end to end: connect, authenticate, exchange
// keys, transfer, verify. The connection is closed before returning.
// Cancellation is honored between phases, never mid-send.
func (c *Client) Backup(ctx context.Context, path string) error {
	defer c.closeConn()

	if err := c.connect(ctx); err != nil {
		return c.fail(err)
	}
	if err := ctx.Err(); err != nil {
		return c.fail(err)
	}

	if err := c.authenticate(); err != nil {
		return c.fail(err)
	}
	if err := ctx.Err(); err != nil {
		return c.fail(err)
	}

	if err := c.transferAndVerify(ctx, path); err != nil {
		return c.fail(err)
	}

	c.setState(StateCompleted, 0, 0)
	return nil
}

func (c *Client) fail(err error) error {
	c.setState(StateFailed, 0, 0)
	return err
}

func (c *Client) setState(state State, sent, total int64) {
	c.state = state
	c.log.WithField("state", string(state)).Debug("phase transition")
	if c.opts.Progress != nil {
		c.opts.Progress(state, sent, total)
	}
}

// connect dials the server with a bounded number of attempts and a fixed
// delay between them.
func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting, 0, 0)

	var lastErr error
	for attempt := 1; attempt <= c.opts.ConnectRetries; attempt++ {
		conn, err := net.DialTimeout("tcp", c.opts.ServerAddr, c.opts.RequestTimeout)
		if err == nil {
			c.conn = conn
			return nil
		}
		lastErr = err

		c.log.WithError(err).WithField("attempt", attempt).Warn("connection attempt failed")
		if attempt == c.opts.ConnectRetries {
			break
		}
		select {
		case <-time.After(c.opts.ConnectRetryDelay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
		}
	}

	return fmt.Errorf("%w: %v", ErrConnection, lastErr)
}

func (c *Client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// authenticate registers a new identity or reconnects with a saved one,
// then completes the key exchange. Rejections are terminal.
func (c *Client) authenticate() error {
	c.setState(StateAuthenticating, 0, 0)

	key, err := crypto.EnsurePrivateKey(c.opts.PrivateKeyPath)
	if err != nil {
		return err
	}
	c.privateKey = key

	savedID, err := loadIdentity(c.opts.IdentityPath)
	switch {
	case err == nil:
		c.id = savedID
		return c.reconnect()
	case errors.Is(err, fs.ErrNotExist):
		return c.register()
	default:
		return err
	}
}

func (c *Client) register() error {
	payload, err := protocol.RegisterPayload{Name: c.opts.Name}.Encode()
	if err != nil {
		return err
	}

	resp, err := c.roundTrip(protocol.CodeRegister, payload)
	if err != nil {
		return err
	}

	switch resp.Header.Code {
	case protocol.CodeRegisterOK:
		body, err := protocol.DecodeIdentityPayload(resp.Payload)
		if err != nil {
			return err
		}
		c.id = body.ClientID
		if err := saveIdentity(c.opts.IdentityPath, c.id); err != nil {
			return err
		}
		c.log.WithField("client", hex.EncodeToString(c.id[:])).Info("registered")
	case protocol.CodeRegisterFail:
		return fmt.Errorf("%w: name %q already registered", ErrAuthFailed, c.opts.Name)
	default:
		return fmt.Errorf("%w: code %d during registration", ErrUnexpectedResponse, resp.Header.Code)
	}

	return c.exchangeKeys()
}

// exchangeKeys submits the public key and unwraps the fresh session key the
// server returns. A failure here is terminal for this connection attempt.
func (c *Client) exchangeKeys() error {
	c.setState(StateKeyExchange, 0, 0)

	exported, err := crypto.ExportPublicKey(&c.privateKey.PublicKey)
	if err != nil {
		return err
	}

	payload, err := protocol.PublicKeyPayload{Name: c.opts.Name, PublicKey: exported}.Encode()
	if err != nil {
		return err
	}

	resp, err := c.roundTrip(protocol.CodeSubmitPublicKey, payload)
	if err != nil {
		return err
	}
	if resp.Header.Code != protocol.CodeKeyExchanged {
		return fmt.Errorf("%w: code %d during key exchange", ErrUnexpectedResponse, resp.Header.Code)
	}

	return c.acceptWrappedKey(resp.Payload)
}

func (c *Client) reconnect() error {
	payload, err := protocol.RegisterPayload{Name: c.opts.Name}.Encode()
	if err != nil {
		return err
	}

	resp, err := c.roundTrip(protocol.CodeReconnect, payload)
	if err != nil {
		return err
	}

	switch resp.Header.Code {
	case protocol.CodeReconnectApproved:
		c.setState(StateKeyExchange, 0, 0)
		c.log.WithField("client", hex.EncodeToString(c.id[:])).Info("reconnected")
		return c.acceptWrappedKey(resp.Payload)
	case protocol.CodeReconnectDenied:
		return fmt.Errorf("%w: reconnect denied for %q", ErrAuthFailed, c.opts.Name)
	default:
		return fmt.Errorf("%w: code %d during reconnect", ErrUnexpectedResponse, resp.Header.Code)
	}
}

func (c *Client) acceptWrappedKey(payload []byte) error {
	body, err := protocol.DecodeKeyExchangePayload(payload)
	if err != nil {
		return err
	}

	sessionKey, err := crypto.UnwrapSessionKey(c.privateKey, body.WrappedKey)
	if err != nil {
		return err
	}

	c.id = body.ClientID
	c.sessionKey = sessionKey
	return nil
}

// transferAndVerify sends the whole file and compares checksums with the
// server, resending the full file on mismatch up to the attempt bound.
func (c *Client) transferAndVerify(ctx context.Context, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read source file: %w", err)
	}

	filename := filepath.Base(path)
	localChecksum := crypto.Checksum(content)
	total := int64(len(content))

	for attempt := 1; attempt <= maxTransferAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		received, err := c.sendFile(filename, content, total)
		if err != nil {
			return err
		}

		c.setState(StateVerifying, total, total)
		if received.Checksum == localChecksum {
			return c.confirmChecksum(protocol.CodeChecksumOK, filename)
		}

		c.log.WithFields(logrus.Fields{
			"filename": filename,
			"attempt":  attempt,
			"local":    fmt.Sprintf("%08x", localChecksum),
			"remote":   fmt.Sprintf("%08x", received.Checksum),
		}).Warn("checksum mismatch")

		if attempt < maxTransferAttempts {
			if err := c.confirmChecksum(protocol.CodeChecksumRetry, filename); err != nil {
				return err
			}
			continue
		}

		if err := c.confirmChecksum(protocol.CodeChecksumAbort, filename); err != nil {
			return err
		}
		return fmt.Errorf("%w: %q after %d attempts", ErrChecksum, filename, maxTransferAttempts)
	}

	// Unreachable; the loop always returns.
	return fmt.Errorf("%w: %q", ErrChecksum, filename)
}

// sendFile encrypts and uploads the file as sequenced chunks and returns
// the server's reassembly report.
func (c *Client) sendFile(filename string, content []byte, total int64) (protocol.FileReceivedPayload, error) {
	c.setState(StateTransferring, 0, total)

	chunks := chunkCount(len(content), c.opts.ChunkSize)
	var sent int64

	for seq := uint16(1); seq <= chunks; seq++ {
		start := int(seq-1) * c.opts.ChunkSize
		end := start + c.opts.ChunkSize
		if end > len(content) {
			end = len(content)
		}
		plain := content[start:end]

		ciphertext, err := crypto.Encrypt(c.sessionKey, plain)
		if err != nil {
			return protocol.FileReceivedPayload{}, err
		}
		if c.tamperChunk != nil {
			c.tamperChunk(ciphertext)
		}

		payload, err := protocol.ChunkPayload{
			DeclaredTotalSize: uint32(len(content)),
			OriginalSize:      uint32(len(plain)),
			Sequence:          seq,
			TotalChunks:       chunks,
			Filename:          filename,
			Ciphertext:        ciphertext,
		}.Encode()
		if err != nil {
			return protocol.FileReceivedPayload{}, err
		}

		resp, err := c.roundTrip(protocol.CodeSendFileChunk, payload)
		if err != nil {
			return protocol.FileReceivedPayload{}, err
		}

		sent += int64(len(plain))
		if c.opts.Progress != nil {
			c.opts.Progress(StateTransferring, sent, total)
		}

		if seq < chunks {
			if resp.Header.Code != protocol.CodeAck {
				return protocol.FileReceivedPayload{}, fmt.Errorf("%w: code %d for chunk %d", ErrUnexpectedResponse, resp.Header.Code, seq)
			}
			continue
		}

		if resp.Header.Code != protocol.CodeFileReceived {
			return protocol.FileReceivedPayload{}, fmt.Errorf("%w: code %d for final chunk", ErrUnexpectedResponse, resp.Header.Code)
		}
		return protocol.DecodeFileReceivedPayload(resp.Payload)
	}

	return protocol.FileReceivedPayload{}, errors.New("client: empty transfer")
}

// confirmChecksum sends a checksum-phase signal and waits for the ack.
func (c *Client) confirmChecksum(code uint16, filename string) error {
	payload, err := protocol.ChecksumPhasePayload{Filename: filename}.Encode()
	if err != nil {
		return err
	}

	resp, err := c.roundTrip(code, payload)
	if err != nil {
		return err
	}
	if resp.Header.Code != protocol.CodeAck {
		return fmt.Errorf("%w: code %d confirming checksum", ErrUnexpectedResponse, resp.Header.Code)
	}
	return nil
}

// roundTrip sends one request and reads one response, each under its own
// deadline. A GeneralError response is surfaced as ErrServerError.
func (c *Client) roundTrip(code uint16, payload []byte) (protocol.Response, error) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.RequestTimeout)); err != nil {
		return protocol.Response{}, fmt.Errorf("set write deadline: %w", err)
	}
	if err := protocol.WriteRequest(c.conn, c.id, protocol.ProtocolVersion, code, payload); err != nil {
		return protocol.Response{}, wrapTimeout(err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.RequestTimeout)); err != nil {
		return protocol.Response{}, fmt.Errorf("set read deadline: %w", err)
	}
	resp, err := protocol.ReadResponse(c.conn)
	if err != nil {
		return protocol.Response{}, wrapTimeout(err)
	}

	if resp.Header.Code == protocol.CodeGeneralError {
		return protocol.Response{}, ErrServerError
	}
	return resp, nil
}

func wrapTimeout(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func chunkCount(contentLen, chunkSize int) uint16 {
	if contentLen == 0 {
		return 1
	}
	return uint16((contentLen + chunkSize - 1) / chunkSize)
}

func loadIdentity(path string) (protocol.ClientID, error) {
	var id protocol.ClientID

	raw, err := os.ReadFile(path)
	if err != nil {
		return id, err
	}

	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return id, fmt.Errorf("parse identity file: %w", err)
	}
	if len(decoded) != protocol.ClientIDSize {
		return id, fmt.Errorf("invalid identity length: got %d want %d", len(decoded), protocol.ClientIDSize)
	}

	copy(id[:], decoded)
	return id, nil
}

func saveIdentity(path string, id protocol.ClientID) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(id[:])+"\n"), 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}
