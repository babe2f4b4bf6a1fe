package server

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/protocol"
	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/storage"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func startTestServer(t *testing.T, opts Options) (*Server, *storage.Store) {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.Open(dir, storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	opts.ListenAddr = "127.0.0.1:0"
	if opts.StorageDir == "" {
		opts.StorageDir = filepath.Join(dir, "content")
	}
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	srv, err := New(store, opts)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { require.NoError(t, srv.Close()) })

	return srv, store
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendRequest(t *testing.T, conn net.Conn, id protocol.ClientID, version uint8, code uint16, payload []byte) protocol.Response {
	t.Helper()

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, protocol.WriteRequest(conn, id, version, code, payload))
	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	return resp
}

func registerName(t *testing.T, conn net.Conn, name string) protocol.ClientID {
	t.Helper()

	payload, err := protocol.RegisterPayload{Name: name}.Encode()
	require.NoError(t, err)
	resp := sendRequest(t, conn, protocol.ClientID{}, protocol.ProtocolVersion, protocol.CodeRegister, payload)
	require.Equal(t, protocol.CodeRegisterOK, resp.Header.Code)

	body, err := protocol.DecodeIdentityPayload(resp.Payload)
	require.NoError(t, err)
	return body.ClientID
}

func TestRejectsIncompatibleVersion(t *testing.T) {
	srv, _ := startTestServer(t, Options{Policy: VersionRange{Min: 1, Max: 1}})
	conn := dialServer(t, srv)

	payload, err := protocol.RegisterPayload{Name: "alice"}.Encode()
	require.NoError(t, err)
	resp := sendRequest(t, conn, protocol.ClientID{}, 9, protocol.CodeRegister, payload)
	assert.Equal(t, protocol.CodeGeneralError, resp.Header.Code)

	// The connection is closed after the error response.
	_, err = protocol.ReadResponse(conn)
	assert.ErrorIs(t, err, io.EOF)
}

func TestAllowListAdmitsListedVersionOnly(t *testing.T) {
	srv, _ := startTestServer(t, Options{Policy: VersionAllowList{1}})

	conn := dialServer(t, srv)
	registerName(t, conn, "alice")

	other := dialServer(t, srv)
	payload, err := protocol.RegisterPayload{Name: "bob"}.Encode()
	require.NoError(t, err)
	resp := sendRequest(t, other, protocol.ClientID{}, 2, protocol.CodeRegister, payload)
	assert.Equal(t, protocol.CodeGeneralError, resp.Header.Code)
}

func TestRejectsUnknownRequestCode(t *testing.T) {
	srv, _ := startTestServer(t, Options{})
	conn := dialServer(t, srv)

	resp := sendRequest(t, conn, protocol.ClientID{}, protocol.ProtocolVersion, 9999, nil)
	assert.Equal(t, protocol.CodeGeneralError, resp.Header.Code)
}

func TestRejectsChunkWithoutSession(t *testing.T) {
	srv, _ := startTestServer(t, Options{})
	conn := dialServer(t, srv)

	var id protocol.ClientID
	id[0] = 0xAB
	payload, err := protocol.ChunkPayload{
		DeclaredTotalSize: 16,
		OriginalSize:      16,
		Sequence:          1,
		TotalChunks:       1,
		Filename:          "f.dat",
		Ciphertext:        make([]byte, 32),
	}.Encode()
	require.NoError(t, err)

	resp := sendRequest(t, conn, id, protocol.ProtocolVersion, protocol.CodeSendFileChunk, payload)
	assert.Equal(t, protocol.CodeGeneralError, resp.Header.Code)
}

func TestRegisterFailKeepsConnectionOpen(t *testing.T) {
	srv, _ := startTestServer(t, Options{})

	first := dialServer(t, srv)
	registerName(t, first, "alice")

	second := dialServer(t, srv)
	payload, err := protocol.RegisterPayload{Name: "alice"}.Encode()
	require.NoError(t, err)
	resp := sendRequest(t, second, protocol.ClientID{}, protocol.ProtocolVersion, protocol.CodeRegister, payload)
	assert.Equal(t, protocol.CodeRegisterFail, resp.Header.Code)

	// Same connection can retry with a different name.
	id := registerName(t, second, "alice-2")
	assert.False(t, id.IsZero())
}

func TestExcessConnectionsWaitForSlot(t *testing.T) {
	srv, _ := startTestServer(t, Options{MaxClients: 1})

	first := dialServer(t, srv)
	registerName(t, first, "alice")

	// With the single slot held, the second connection is accepted by the
	// kernel but not served yet.
	second := dialServer(t, srv)
	payload, err := protocol.RegisterPayload{Name: "bob"}.Encode()
	require.NoError(t, err)
	require.NoError(t, second.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, protocol.WriteRequest(second, protocol.ClientID{}, protocol.ProtocolVersion, protocol.CodeRegister, payload))

	require.NoError(t, second.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = protocol.ReadResponse(second)
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())

	// Releasing the slot lets the queued connection proceed.
	require.NoError(t, first.Close())
	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	resp, err := protocol.ReadResponse(second)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeRegisterOK, resp.Header.Code)
}

func TestMaintenanceSweepsAndRecordsMetrics(t *testing.T) {
	srv, store := startTestServer(t, Options{
		SessionTimeout: time.Millisecond,
		PartialTimeout: time.Millisecond,
	})

	conn := dialServer(t, srv)
	registerName(t, conn, "alice")
	require.Equal(t, 1, srv.Registry().Len())

	time.Sleep(10 * time.Millisecond)
	srv.runMaintenance(context.Background())

	assert.Equal(t, 0, srv.Registry().Len())

	m, err := store.LatestMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.ClientCount)
	assert.Equal(t, int64(0), m.ActiveSessions)
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(dir, storage.Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	srv, err := New(store, Options{
		ListenAddr: "127.0.0.1:0",
		StorageDir: filepath.Join(dir, "content"),
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
}
