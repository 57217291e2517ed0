package main

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"net"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/depot-sh/depot/crypto"
	"github.com/depot-sh/depot/protocol"
)

// sessionStats counts channel activity for logging.
type sessionStats struct {
	recordsSent uint64
	recordsRecv uint64
	bytesSent   uint64
	bytesRecv   uint64
	rekeys      uint64
}

// Session owns one encrypted record channel over a byte-stream transport. It
// is created by the handshake and destroyed when the socket closes. All key
// material, nonces and counters are private to the owning goroutine; records
// are never processed concurrently on the same Session.
type Session struct {
	conn     net.Conn
	isClient bool

	txKey    [crypto.KeySize]byte
	rxKey    [crypto.KeySize]byte
	txPrefix [crypto.PrefixSize]byte
	rxPrefix [crypto.PrefixSize]byte
	txAEAD   cipher.AEAD
	rxAEAD   cipher.AEAD
	txSeq    uint64
	rxSeq    uint64
	epoch    uint32

	trafficSecret [crypto.TrafficSecretSize]byte

	lastRekey     time.Time
	rekeyInterval time.Duration
	pendingEpoch  uint32
	pendingTx     crypto.DirectionKeys
	pendingRx     crypto.DirectionKeys

	features        map[string]bool
	serverSandboxed bool
	ioTimeout       time.Duration

	stats sessionStats
}

// newSession binds the handshake-derived keys to a transport. The client
// transmits on the c2s half; the server is mirrored.
func newSession(conn net.Conn, keys *crypto.SessionKeys, isClient bool, rekeyInterval, ioTimeout time.Duration) (*Session, error) {
	s := &Session{
		conn:          conn,
		isClient:      isClient,
		epoch:         0,
		trafficSecret: keys.TrafficSecret,
		lastRekey:     time.Now(),
		rekeyInterval: rekeyInterval,
		ioTimeout:     ioTimeout,
		features:      make(map[string]bool),
	}
	tx, rx := keys.ClientToServer, keys.ServerToClient
	if !isClient {
		tx, rx = rx, tx
	}
	if err := s.install(tx, rx); err != nil {
		return nil, err
	}
	return s, nil
}

// install swaps in a directional key pair and rebuilds the AEADs.
func (s *Session) install(tx, rx crypto.DirectionKeys) error {
	txAEAD, err := chacha20poly1305.NewX(tx.Key[:])
	if err != nil {
		return err
	}
	rxAEAD, err := chacha20poly1305.NewX(rx.Key[:])
	if err != nil {
		return err
	}
	s.txKey, s.rxKey = tx.Key, rx.Key
	s.txPrefix, s.rxPrefix = tx.Prefix, rx.Prefix
	s.txAEAD, s.rxAEAD = txAEAD, rxAEAD
	return nil
}

// Close tears down the transport; the Session is unusable afterwards.
func (s *Session) Close() error { return s.conn.Close() }

// nonce is prefix ‖ u64_le(seq), 24 bytes.
func recordNonce(prefix [crypto.PrefixSize]byte, seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, prefix[:])
	binary.LittleEndian.PutUint64(nonce[crypto.PrefixSize:], seq)
	return nonce
}

// associated data is type(u8) ‖ varint(seq) ‖ varint(epoch).
func recordAD(typ byte, seq uint64, epoch uint32) []byte {
	ad := make([]byte, 0, 1+2*protocol.MaxVarintLen)
	ad = append(ad, typ)
	ad = protocol.AppendUvarint(ad, seq)
	return protocol.AppendUvarint(ad, uint64(epoch))
}

// sendRecord seals one record and writes the frame in a single transport
// write so concurrent close cannot interleave partial frames. The transmit
// sequence advances by exactly one per record.
func (s *Session) sendRecord(typ byte, payload []byte) error {
	nonce := recordNonce(s.txPrefix, s.txSeq)
	ad := recordAD(typ, s.txSeq, s.epoch)
	box := s.txAEAD.Seal(nil, nonce, payload, ad)

	frame := make([]byte, 0, protocol.MaxVarintLen+1+len(box))
	frame = protocol.AppendUvarint(frame, uint64(1+len(box)))
	frame = append(frame, typ)
	frame = append(frame, box...)

	if s.ioTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.ioTimeout))
	}
	if _, err := s.conn.Write(frame); err != nil {
		return &protocol.Error{Code: writeErrCode(err), Cause: err}
	}
	s.txSeq++
	s.stats.recordsSent++
	s.stats.bytesSent += uint64(len(frame))
	return nil
}

// recvRecord reads and authenticates the next record. Tag failures and
// malformed framing terminate the session; the receive sequence advances by
// exactly one per authenticated record.
func (s *Session) recvRecord() (byte, []byte, error) {
	if s.ioTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.ioTimeout))
	}
	typ, box, err := protocol.ReadFrame(s.conn)
	if err != nil {
		if isTimeout(err) {
			// Best effort: tell the peer before tearing down.
			_ = s.sendRecord(protocol.TypeErrorRec, []byte{byte(protocol.EcTimeout)})
			return 0, nil, &protocol.Error{Code: protocol.EcTimeout, Cause: err}
		}
		return 0, nil, err
	}
	if typ == protocol.TypeHsError && len(box) == 1 {
		// A late plaintext handshake ERROR: the peer rejected the session
		// (e.g. client authentication) after our side switched to records.
		return 0, nil, &protocol.Error{Code: protocol.DecodeErrorCode(box)}
	}
	if len(box) < s.rxAEAD.Overhead() {
		return 0, nil, &protocol.Error{Code: protocol.EcProtocol}
	}
	nonce := recordNonce(s.rxPrefix, s.rxSeq)
	ad := recordAD(typ, s.rxSeq, s.epoch)
	payload, err := s.rxAEAD.Open(nil, nonce, box, ad)
	if err != nil {
		return 0, nil, &protocol.Error{Code: protocol.EcAuth, Cause: err}
	}
	s.rxSeq++
	s.stats.recordsRecv++
	s.stats.bytesRecv += uint64(1 + len(box))
	return typ, payload, nil
}

// sendError emits an ErrorRec carrying a single taxonomy byte.
func (s *Session) sendError(code protocol.ErrorCode) error {
	return s.sendRecord(protocol.TypeErrorRec, []byte{byte(code)})
}

// rekeyDue reports whether the proposal interval has elapsed with no rekey in
// flight. Only the sender of the current stream consults it, and only at file
// boundaries.
func (s *Session) rekeyDue() bool {
	return s.rekeyInterval > 0 && s.pendingEpoch == 0 && time.Since(s.lastRekey) > s.rekeyInterval
}

// proposeRekey runs the proposer half of the rekey exchange: send RekeyReq,
// stash the pending keys, then block for RekeyAck and activate. Nothing else
// may be sent between the request and the acknowledgement, so the RekeyAck is
// the last record of the old epoch in either direction.
func (s *Session) proposeRekey() error {
	newEpoch := s.epoch + 1
	epochBytes := protocol.EpochBytes(newEpoch)
	s.stashPending(newEpoch, epochBytes)
	if err := s.sendRecord(protocol.TypeRekeyReq, epochBytes); err != nil {
		return err
	}
	for {
		typ, payload, err := s.recvRecord()
		if err != nil {
			return err
		}
		switch typ {
		case protocol.TypeRekeyAck:
			acked, err := protocol.DecodeEpochBytes(payload)
			if err != nil {
				return err
			}
			if acked != newEpoch {
				return &protocol.Error{Code: protocol.EcProtocol}
			}
			s.activatePending()
			return nil
		case protocol.TypeErrorRec:
			// Per-item reports about an earlier file may still be in flight;
			// only session-fatal codes end the exchange.
			code := protocol.DecodeErrorCode(payload)
			if code.SessionFatal() {
				return &protocol.Error{Code: code}
			}
		default:
			return &protocol.Error{Code: protocol.EcProtocol}
		}
	}
}

// handleRekeyReq runs the responder half: derive the pending keys, send
// RekeyAck under the old epoch, then activate. Frames after the ack are
// authenticated with the new epoch in both directions.
func (s *Session) handleRekeyReq(payload []byte) error {
	newEpoch, err := protocol.DecodeEpochBytes(payload)
	if err != nil {
		return err
	}
	if newEpoch != s.epoch+1 {
		return &protocol.Error{Code: protocol.EcProtocol}
	}
	epochBytes := protocol.EpochBytes(newEpoch)
	s.stashPending(newEpoch, epochBytes)
	if err := s.sendRecord(protocol.TypeRekeyAck, epochBytes); err != nil {
		return err
	}
	s.activatePending()
	return nil
}

// stashPending derives the next epoch's keys without touching the live pair.
func (s *Session) stashPending(newEpoch uint32, epochBytes []byte) {
	c2s, s2c := crypto.DeriveRekey(s.trafficSecret[:], epochBytes)
	if s.isClient {
		s.pendingTx, s.pendingRx = c2s, s2c
	} else {
		s.pendingTx, s.pendingRx = s2c, c2s
	}
	s.pendingEpoch = newEpoch
}

// activatePending switches both directions to the pending epoch and resets
// the sequence counters to zero.
func (s *Session) activatePending() {
	_ = s.install(s.pendingTx, s.pendingRx)
	s.epoch = s.pendingEpoch
	s.txSeq, s.rxSeq = 0, 0
	s.pendingEpoch = 0
	s.pendingTx, s.pendingRx = crypto.DirectionKeys{}, crypto.DirectionKeys{}
	s.lastRekey = time.Now()
	s.stats.rekeys++
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func writeErrCode(err error) protocol.ErrorCode {
	if isTimeout(err) {
		return protocol.EcTimeout
	}
	return protocol.EcClosed
}
