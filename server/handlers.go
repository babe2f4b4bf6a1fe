package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/crypto"
	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/protocol"
	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/session"
	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/storage"
)

// handleRegister assigns a fresh identity to a new client name. A duplicate
// name, including one racing in concurrently, yields RegisterFail rather
// than an error: the connection stays open so the client can report it.
func (d *Dispatcher) handleRegister(ctx context.Context, req protocol.Request) (uint16, []byte, error) {
	body, err := protocol.DecodeRegisterPayload(req.Payload)
	if err != nil {
		return 0, nil, err
	}
	if body.Name == "" {
		return protocol.CodeRegisterFail, nil, nil
	}

	id := protocol.ClientID(uuid.New())
	if err := d.store.RegisterClient(ctx, id[:], body.Name); err != nil {
		if errors.Is(err, storage.ErrNameTaken) {
			d.log.WithField("name", body.Name).Info("registration rejected, name taken")
			return protocol.CodeRegisterFail, nil, nil
		}
		return 0, nil, err
	}

	d.registry.GetOrCreate(id, body.Name)
	d.log.WithFields(logrus.Fields{
		"name":   body.Name,
		"client": hex.EncodeToString(id[:]),
	}).Info("client registered")

	payload, err := protocol.IdentityPayload{ClientID: id}.Encode()
	if err != nil {
		return 0, nil, err
	}
	return protocol.CodeRegisterOK, payload, nil
}

// handleSubmitPublicKey completes the key exchange: the client's public key
// is stored and a fresh session key is wrapped with it. Session keys are
// never reused across handshakes.
func (d *Dispatcher) handleSubmitPublicKey(ctx context.Context, req protocol.Request) (uint16, []byte, error) {
	body, err := protocol.DecodePublicKeyPayload(req.Payload)
	if err != nil {
		return 0, nil, err
	}

	id := req.Header.ClientID
	sess, err := d.requireSession(ctx, id)
	if err != nil {
		return 0, nil, err
	}

	pub, err := crypto.ImportPublicKey(body.PublicKey)
	if err != nil {
		return 0, nil, err
	}

	sessionKey, err := crypto.NewSessionKey()
	if err != nil {
		return 0, nil, err
	}
	wrapped, err := crypto.WrapSessionKey(pub, sessionKey)
	if err != nil {
		return 0, nil, err
	}

	if err := d.store.UpdateClientKeys(ctx, id[:], body.PublicKey[:], sessionKey); err != nil {
		return 0, nil, err
	}
	if err := d.registry.WithSession(sess.ID, func(s *session.Session) error {
		s.PublicKey = body.PublicKey[:]
		s.SessionKey = sessionKey
		return nil
	}); err != nil {
		return 0, nil, err
	}

	d.log.WithField("client", hex.EncodeToString(id[:])).Info("session key issued")

	payload, err := protocol.KeyExchangePayload{ClientID: id, WrappedKey: wrapped}.Encode()
	if err != nil {
		return 0, nil, err
	}
	return protocol.CodeKeyExchanged, payload, nil
}

// handleReconnect re-authenticates a returning client by name and identity
// and issues a fresh session key wrapped with the stored public key. An
// unknown identity yields ReconnectDenied; the client must not retry.
func (d *Dispatcher) handleReconnect(ctx context.Context, req protocol.Request) (uint16, []byte, error) {
	body, err := protocol.DecodeRegisterPayload(req.Payload)
	if err != nil {
		return 0, nil, err
	}

	id := req.Header.ClientID
	client, err := d.store.GetClientByName(ctx, body.Name)
	if errors.Is(err, storage.ErrNotFound) {
		return d.denyReconnect(id, body.Name)
	}
	if err != nil {
		return 0, nil, err
	}
	if !id.IsZero() && !equalID(client.ID, id) {
		return d.denyReconnect(id, body.Name)
	}
	if len(client.PublicKey) != protocol.PublicKeySize {
		return d.denyReconnect(id, body.Name)
	}

	var exported [crypto.PublicKeySize]byte
	copy(exported[:], client.PublicKey)
	pub, err := crypto.ImportPublicKey(exported)
	if err != nil {
		return 0, nil, err
	}

	sessionKey, err := crypto.NewSessionKey()
	if err != nil {
		return 0, nil, err
	}
	wrapped, err := crypto.WrapSessionKey(pub, sessionKey)
	if err != nil {
		return 0, nil, err
	}

	copy(id[:], client.ID)
	if err := d.store.UpdateSessionKey(ctx, client.ID, sessionKey); err != nil {
		return 0, nil, err
	}

	sess := d.registry.GetOrCreate(id, body.Name)
	if err := d.registry.WithSession(sess.ID, func(s *session.Session) error {
		s.PublicKey = append([]byte(nil), client.PublicKey...)
		s.SessionKey = sessionKey
		return nil
	}); err != nil {
		return 0, nil, err
	}

	d.log.WithFields(logrus.Fields{
		"name":   body.Name,
		"client": hex.EncodeToString(id[:]),
	}).Info("client reconnected")

	payload, err := protocol.KeyExchangePayload{ClientID: id, WrappedKey: wrapped}.Encode()
	if err != nil {
		return 0, nil, err
	}
	return protocol.CodeReconnectApproved, payload, nil
}

func (d *Dispatcher) denyReconnect(id protocol.ClientID, name string) (uint16, []byte, error) {
	d.log.WithFields(logrus.Fields{
		"name":   name,
		"client": hex.EncodeToString(id[:]),
	}).Info("reconnect denied")

	payload, err := protocol.IdentityPayload{ClientID: id}.Encode()
	if err != nil {
		return 0, nil, err
	}
	return protocol.CodeReconnectDenied, payload, nil
}

// handleFileChunk decrypts one chunk and appends it to the file's partial
// transfer. Intermediate chunks are acknowledged; the final chunk triggers
// reassembly, persistence and the checksum report back to the client.
func (d *Dispatcher) handleFileChunk(ctx context.Context, req protocol.Request) (uint16, []byte, error) {
	chunk, err := protocol.DecodeChunkPayload(req.Payload)
	if err != nil {
		return 0, nil, err
	}
	if filepath.Base(chunk.Filename) != chunk.Filename || chunk.Filename == "." || chunk.Filename == ".." || chunk.Filename == "" {
		return 0, nil, fmt.Errorf("%w: %q", ErrBadFilename, chunk.Filename)
	}

	id := req.Header.ClientID
	sess, err := d.requireSession(ctx, id)
	if err != nil {
		return 0, nil, err
	}

	key := sess.SessionKeyCopy()
	if len(key) == 0 {
		return 0, nil, ErrNoSessionKey
	}

	// Decrypt outside the session lock; crypto is CPU-bound.
	plaintext, err := crypto.Decrypt(key, chunk.Ciphertext)
	if err != nil {
		return 0, nil, err
	}
	if uint32(len(plaintext)) != chunk.OriginalSize {
		return 0, nil, fmt.Errorf("chunk plaintext size %d does not match declared %d", len(plaintext), chunk.OriginalSize)
	}

	var (
		complete bool
		content  []byte
	)
	err = d.registry.WithSession(id, func(s *session.Session) error {
		partial, ok := s.Partial(chunk.Filename)
		if chunk.Sequence == 1 {
			// First chunk restarts any prior attempt for this filename.
			partial = s.BeginPartial(chunk.Filename, chunk.DeclaredTotalSize, chunk.TotalChunks)
		} else if !ok {
			return fmt.Errorf("%w: %q", session.ErrNoPartial, chunk.Filename)
		}

		done, appendErr := partial.AppendChunk(chunk.Sequence, plaintext)
		if appendErr != nil {
			return appendErr
		}
		if done {
			complete = true
			content = partial.Bytes()
			s.DropPartial(chunk.Filename)
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	if !complete {
		payload, err := protocol.IdentityPayload{ClientID: id}.Encode()
		if err != nil {
			return 0, nil, err
		}
		return protocol.CodeAck, payload, nil
	}

	storagePath, err := d.persistContent(id, chunk.Filename, content)
	if err != nil {
		return 0, nil, err
	}

	checksum := crypto.Checksum(content)
	if err := d.store.UpsertFileRecord(ctx, storage.FileRecord{
		ClientID:    id[:],
		Filename:    chunk.Filename,
		StoragePath: storagePath,
		Size:        int64(len(content)),
		Checksum:    checksum,
		Verified:    false,
	}); err != nil {
		return 0, nil, err
	}
	if err := d.store.TouchClient(ctx, id[:]); err != nil {
		return 0, nil, err
	}

	d.log.WithFields(logrus.Fields{
		"client":   hex.EncodeToString(id[:]),
		"filename": chunk.Filename,
		"size":     len(content),
	}).Info("file reassembled")

	payload, err := protocol.FileReceivedPayload{
		ClientID:    id,
		ContentSize: uint32(len(content)),
		Filename:    chunk.Filename,
		Checksum:    checksum,
	}.Encode()
	if err != nil {
		return 0, nil, err
	}
	return protocol.CodeFileReceived, payload, nil
}

// handleChecksumOK marks the file verified after the client confirmed the
// checksum match.
func (d *Dispatcher) handleChecksumOK(ctx context.Context, req protocol.Request) (uint16, []byte, error) {
	body, err := protocol.DecodeChecksumPhasePayload(req.Payload)
	if err != nil {
		return 0, nil, err
	}

	id := req.Header.ClientID
	if _, err := d.requireSession(ctx, id); err != nil {
		return 0, nil, err
	}

	if err := d.store.MarkFileVerified(ctx, id[:], body.Filename); err != nil {
		return 0, nil, err
	}

	d.log.WithFields(logrus.Fields{
		"client":   hex.EncodeToString(id[:]),
		"filename": body.Filename,
	}).Info("file verified")

	payload, err := protocol.IdentityPayload{ClientID: id}.Encode()
	if err != nil {
		return 0, nil, err
	}
	return protocol.CodeAck, payload, nil
}

// handleChecksumRetry discards any in-flight partial state for the file so
// the client can resend it from scratch. The unverified record remains and
// is overwritten by the resend.
func (d *Dispatcher) handleChecksumRetry(ctx context.Context, req protocol.Request) (uint16, []byte, error) {
	body, err := protocol.DecodeChecksumPhasePayload(req.Payload)
	if err != nil {
		return 0, nil, err
	}

	id := req.Header.ClientID
	if _, err := d.requireSession(ctx, id); err != nil {
		return 0, nil, err
	}

	if err := d.registry.WithSession(id, func(s *session.Session) error {
		s.DropPartial(body.Filename)
		return nil
	}); err != nil {
		return 0, nil, err
	}

	d.log.WithFields(logrus.Fields{
		"client":   hex.EncodeToString(id[:]),
		"filename": body.Filename,
	}).Warn("checksum mismatch, client retrying")

	payload, err := protocol.IdentityPayload{ClientID: id}.Encode()
	if err != nil {
		return 0, nil, err
	}
	return protocol.CodeAck, payload, nil
}

// handleChecksumAbort gives up on the file: partial state, the stored
// content and the unverified record are all removed.
func (d *Dispatcher) handleChecksumAbort(ctx context.Context, req protocol.Request) (uint16, []byte, error) {
	body, err := protocol.DecodeChecksumPhasePayload(req.Payload)
	if err != nil {
		return 0, nil, err
	}

	id := req.Header.ClientID
	if _, err := d.requireSession(ctx, id); err != nil {
		return 0, nil, err
	}

	if err := d.registry.WithSession(id, func(s *session.Session) error {
		s.DropPartial(body.Filename)
		return nil
	}); err != nil {
		return 0, nil, err
	}

	rec, err := d.store.GetFileRecord(ctx, id[:], body.Filename)
	switch {
	case err == nil:
		if removeErr := os.Remove(rec.StoragePath); removeErr != nil && !os.IsNotExist(removeErr) {
			d.log.WithError(removeErr).Warn("remove aborted file content")
		}
		if err := d.store.DeleteFileRecord(ctx, id[:], body.Filename); err != nil {
			return 0, nil, err
		}
	case errors.Is(err, storage.ErrNotFound):
		// Abort before any completed reassembly; nothing persisted.
	default:
		return 0, nil, err
	}

	d.log.WithFields(logrus.Fields{
		"client":   hex.EncodeToString(id[:]),
		"filename": body.Filename,
	}).Warn("transfer aborted by client")

	payload, err := protocol.IdentityPayload{ClientID: id}.Encode()
	if err != nil {
		return 0, nil, err
	}
	return protocol.CodeAck, payload, nil
}

// requireSession resolves the live session for an identity, falling back to
// the store for clients known from a previous run.
func (d *Dispatcher) requireSession(ctx context.Context, id protocol.ClientID) (*session.Session, error) {
	if id.IsZero() {
		return nil, ErrNotAuthenticated
	}
	if sess, ok := d.registry.Get(id); ok {
		return sess, nil
	}

	client, err := d.store.GetClientByID(ctx, id[:])
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown identity", ErrNotAuthenticated)
	}
	if err != nil {
		return nil, err
	}

	sess := d.registry.GetOrCreate(id, client.Name)
	if err := d.registry.WithSession(id, func(s *session.Session) error {
		s.PublicKey = append([]byte(nil), client.PublicKey...)
		s.SessionKey = append([]byte(nil), client.SessionKey...)
		return nil
	}); err != nil {
		return nil, err
	}
	return sess, nil
}

func (d *Dispatcher) persistContent(id protocol.ClientID, filename string, content []byte) (string, error) {
	dir := filepath.Join(d.storageDir, hex.EncodeToString(id[:]))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create client storage directory: %w", err)
	}

	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", fmt.Errorf("write file content: %w", err)
	}
	return path, nil
}

func equalID(stored []byte, id protocol.ClientID) bool {
	if len(stored) != len(id) {
		return false
	}
	for i, b := range stored {
		if b != id[i] {
			return false
		}
	}
	return true
}
