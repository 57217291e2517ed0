package main

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/depot-sh/depot/crypto"
	"github.com/depot-sh/depot/protocol"
)

// mockConn is an in-memory net.Conn whose halves the test shuttles by hand,
// so frames can be inspected or tampered with in flight. Reads block until
// bytes are fed or the conn is closed.
type mockConn struct {
	mu       sync.Mutex
	cond     *sync.Cond
	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	closed   bool
}

func newMockConn() *mockConn {
	m := &mockConn{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mockConn) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.readBuf.Len() == 0 {
		if m.closed {
			return 0, io.EOF
		}
		m.cond.Wait()
	}
	return m.readBuf.Read(p)
}

func (m *mockConn) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	return m.writeBuf.Write(p)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}

func (m *mockConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (m *mockConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

// takeWritten drains everything the session wrote.
func (m *mockConn) takeWritten() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]byte(nil), m.writeBuf.Bytes()...)
	m.writeBuf.Reset()
	return out
}

// pendingWritten reports how many written bytes await shuttling.
func (m *mockConn) pendingWritten() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBuf.Len()
}

// feed queues bytes for the session to read.
func (m *mockConn) feed(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBuf.Write(b)
	m.cond.Broadcast()
}

func testSessionKeys(t *testing.T) *crypto.SessionKeys {
	t.Helper()
	shared := make([]byte, crypto.KemSharedKeySize)
	c2s := make([]byte, crypto.PrefixSize)
	s2c := make([]byte, crypto.PrefixSize)
	_, err := rand.Read(shared)
	require.NoError(t, err)
	_, err = rand.Read(c2s)
	require.NoError(t, err)
	_, err = rand.Read(s2c)
	require.NoError(t, err)
	return crypto.DeriveSessionKeys(shared, []byte("test transcript"), c2s, s2c)
}

// newMockPair builds a client and server session sharing one key schedule,
// each on its own mockConn.
func newMockPair(t *testing.T) (*Session, *mockConn, *Session, *mockConn) {
	t.Helper()
	keys := testSessionKeys(t)
	cConn := newMockConn()
	sConn := newMockConn()
	cs, err := newSession(cConn, keys, true, 0, 0)
	require.NoError(t, err)
	ss, err := newSession(sConn, keys, false, 0, 0)
	require.NoError(t, err)
	return cs, cConn, ss, sConn
}

// shuttle moves one side's output into the other side's input.
func shuttle(from, to *mockConn) {
	to.feed(from.takeWritten())
}

// TestRecordRoundTrip seals, shuttles and opens records in both directions,
// checking the sequence counters advance by exactly one per record.
func TestRecordRoundTrip(t *testing.T) {
	cs, cConn, ss, sConn := newMockPair(t)

	payload := []byte("chunk of file data")
	require.NoError(t, cs.sendRecord(protocol.TypeFileData, payload))
	require.Equal(t, uint64(1), cs.txSeq)

	shuttle(cConn, sConn)
	typ, got, err := ss.recvRecord()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeFileData, typ)
	require.Equal(t, payload, got)
	require.Equal(t, uint64(1), ss.rxSeq)

	// Reverse direction uses the mirrored keys.
	require.NoError(t, ss.sendRecord(protocol.TypeUploadOk, nil))
	shuttle(sConn, cConn)
	typ, got, err = cs.recvRecord()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeUploadOk, typ)
	require.Empty(t, got)
}

// TestRecordSequenceBinding: a replayed frame fails because the receive
// counter moved on.
func TestRecordSequenceBinding(t *testing.T) {
	cs, cConn, ss, sConn := newMockPair(t)

	require.NoError(t, cs.sendRecord(protocol.TypeFileData, []byte("one")))
	frame := cConn.takeWritten()
	sConn.feed(frame)
	_, _, err := ss.recvRecord()
	require.NoError(t, err)

	// Same bytes again: nonce and AD both disagree with rxSeq=1.
	sConn.feed(frame)
	_, _, err = ss.recvRecord()
	require.Equal(t, protocol.EcAuth, protocol.CodeOf(err))
}

// TestRecordTamper: flipping any ciphertext bit, or the type byte bound into
// the AD, fails authentication.
func TestRecordTamper(t *testing.T) {
	for _, flip := range []int{1, 2, 20} { // type byte (AD), ciphertext, tag area
		cs, cConn, ss, sConn := newMockPair(t)
		require.NoError(t, cs.sendRecord(protocol.TypeFileClose, bytes.Repeat([]byte{0xAA}, 32)))
		frame := cConn.takeWritten()
		frame[flip] ^= 0x01
		sConn.feed(frame)
		_, _, err := ss.recvRecord()
		require.Error(t, err, "flip at %d", flip)
	}
}

// TestRecordWrongDirectionKeys: a client cannot decrypt its own direction.
func TestRecordWrongDirectionKeys(t *testing.T) {
	cs, cConn, _, _ := newMockPair(t)
	require.NoError(t, cs.sendRecord(protocol.TypeFileData, []byte("data")))
	cConn.feed(cConn.takeWritten())
	_, _, err := cs.recvRecord()
	require.Equal(t, protocol.EcAuth, protocol.CodeOf(err))
}

// TestRekeyExchange runs the full proposer/responder exchange and checks the
// epoch, counter reset, and that traffic flows under the new keys.
func TestRekeyExchange(t *testing.T) {
	cs, cConn, ss, sConn := newMockPair(t)

	// Give both sides some history so the counter reset is observable.
	require.NoError(t, cs.sendRecord(protocol.TypeFileData, []byte("a")))
	shuttle(cConn, sConn)
	_, _, err := ss.recvRecord()
	require.NoError(t, err)
	require.NoError(t, ss.sendRecord(protocol.TypeUploadOk, nil))
	shuttle(sConn, cConn)
	_, _, err = cs.recvRecord()
	require.NoError(t, err)

	// Proposer half runs in the background; it blocks awaiting the ack.
	done := make(chan error, 1)
	go func() { done <- cs.proposeRekey() }()
	require.Eventually(t, func() bool { return cConn.pendingWritten() > 0 }, time.Second, time.Millisecond)
	shuttle(cConn, sConn)

	// Responder sees the request, acks under the old epoch, then activates.
	typ, payload, err := ss.recvRecord()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeRekeyReq, typ)
	require.NoError(t, ss.handleRekeyReq(payload))
	require.Equal(t, uint32(1), ss.epoch)
	require.Equal(t, uint64(0), ss.txSeq)
	require.Equal(t, uint64(0), ss.rxSeq)

	// Ack travels back; the proposer activates.
	shuttle(sConn, cConn)
	require.NoError(t, <-done)
	require.Equal(t, uint32(1), cs.epoch)
	require.Equal(t, uint64(0), cs.txSeq)
	require.Equal(t, uint64(0), cs.rxSeq)

	// Old-epoch keys are gone: traffic still round-trips.
	require.NoError(t, cs.sendRecord(protocol.TypeFileData, []byte("post-rekey")))
	shuttle(cConn, sConn)
	typ, got, err := ss.recvRecord()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeFileData, typ)
	require.Equal(t, []byte("post-rekey"), got)
}

// TestRekeyEpochMismatch rejects a request that does not advance the epoch by
// one.
func TestRekeyEpochMismatch(t *testing.T) {
	_, _, ss, _ := newMockPair(t)
	err := ss.handleRekeyReq(protocol.EpochBytes(5))
	require.Equal(t, protocol.EcProtocol, protocol.CodeOf(err))
}

// TestReceiveTimeout: an idle peer trips the read deadline and surfaces
// ecTimeout.
func TestReceiveTimeout(t *testing.T) {
	keys := testSessionKeys(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	cs, err := newSession(a, keys, true, 0, 30*time.Millisecond)
	require.NoError(t, err)
	_, _, err = cs.recvRecord()
	require.Equal(t, protocol.EcTimeout, protocol.CodeOf(err))
}
