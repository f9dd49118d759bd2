package shmex

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var instanceSeq atomic.Uint64

// testInstance yields an instance id unique across tests so segment names
// never collide in /dev/shm, even under -count or parallel runs.
func testInstance() string {
	return fmt.Sprintf("gotest%d-%d", os.Getpid(), instanceSeq.Add(1))
}

// newTestPair creates both endpoints of one exchange and tears them down
// with the test. Returned in protocol roles: the owner serves, the peer
// sends.
func newTestPair(t *testing.T, sessionID uint64) (server, client *Exchange) {
	t.Helper()
	instance := testInstance()
	server = Create(instance, sessionID, nil)
	t.Cleanup(func() { server.Close() })
	client = Open(instance, sessionID, nil)
	t.Cleanup(func() { client.Close() })
	return server, client
}

// respondOnce serves exactly one request on ex from a goroutine: waits for
// it, writes reply into the segment, and publishes it. The returned func
// joins the goroutine.
func respondOnce(t *testing.T, ex *Exchange, reply []byte) func() {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := ex.Poll(); err != nil {
			return
		}
		buf := ex.Obtain(uint64(len(reply)))
		if buf != nil {
			copy(buf, reply)
		}
		ex.Respond(uint64(len(reply)))
	}()
	return func() { <-done }
}

func TestHappyPathRoundTrip(t *testing.T) {
	instance := testInstance()
	server := Create(instance, 7, nil)
	client := Open(instance, 7, nil)

	handler := NewMockHandler(server)
	handler.SetReply([]byte{0xA0, 0xA1, 0xA2, 0xA3})
	listener := StartListener(server, handler.Handle)

	request := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09}
	buf := client.Obtain(uint64(len(request)))
	require.NotNil(t, buf)
	copy(buf, request)

	reply, err := client.Send(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), reply.Size)
	assert.False(t, reply.Oversize())
	assert.Equal(t, []byte{0xA0, 0xA1, 0xA2, 0xA3}, reply.Data)

	received := handler.Received()
	require.Len(t, received, 1)
	assert.Equal(t, request, received[0])

	listener.Close()
	require.NoError(t, client.Close())
	require.NoError(t, server.Close())

	_, err = os.Stat(filepath.Join(ShmDir, SegmentName(instance, 7)))
	assert.True(t, os.IsNotExist(err), "owner close must remove the segment")
}

func TestRepeatedCyclesReturnToIdle(t *testing.T) {
	server, client := newTestPair(t, 11)

	handler := NewMockHandler(server)
	handler.SetReply([]byte("pong"))
	listener := StartListener(server, handler.Handle)
	defer listener.Close()

	for i := 0; i < 5; i++ {
		msg := []byte(fmt.Sprintf("ping-%d", i))
		buf := client.Obtain(uint64(len(msg)))
		require.NotNil(t, buf)
		copy(buf, msg)

		reply, err := client.Send(time.Now().Add(time.Second))
		require.NoError(t, err, "cycle %d", i)
		assert.Equal(t, []byte("pong"), reply.Data)
		assert.True(t, client.ReadyToSend(), "cycle %d must end back at Idle", i)
	}

	received := handler.Received()
	require.Len(t, received, 5)
	for i, req := range received {
		assert.Equal(t, []byte(fmt.Sprintf("ping-%d", i)), req)
	}
}

func TestSendTimeoutThenLateReplyRecovery(t *testing.T) {
	server, client := newTestPair(t, 12)

	// No one is serving: the send must hit its deadline.
	buf := client.Obtain(3)
	require.NotNil(t, buf)
	copy(buf, []byte{1, 2, 3})

	_, err := client.Send(time.Now().Add(10 * time.Millisecond))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeTimedOut))
	assert.Contains(t, err.Error(), "RequestSent")
	assert.False(t, client.ReadyToSend(), "request still in flight")

	// The server replies late; the pending reply makes the sender ready
	// again via the recovery bit, and the retry discards it.
	rbuf := server.Obtain(1)
	require.NotNil(t, rbuf)
	rbuf[0] = 0x55
	server.Respond(1)

	assert.True(t, client.ReadyToSend(), "late reply plus recovery bit must re-arm the sender")

	join := respondOnce(t, server, []byte("ok"))
	buf = client.Obtain(5)
	require.NotNil(t, buf)
	copy(buf, []byte("fresh"))

	reply, err := client.Send(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), reply.Data)
	join()
}

func TestSendWithPastDeadlineDoesNotBlock(t *testing.T) {
	_, client := newTestPair(t, 13)

	client.Obtain(1)
	start := time.Now()
	_, err := client.Send(time.Now().Add(-time.Second))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeTimedOut))
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestSendIllegalStateWhileRequestInFlight(t *testing.T) {
	_, client := newTestPair(t, 14)

	// First send times out, leaving RequestSent behind with no reply.
	client.Obtain(1)
	_, err := client.Send(time.Now().Add(5 * time.Millisecond))
	require.True(t, IsCode(err, ErrCodeTimedOut))

	// The next send observes RequestSent: the recovery bit only covers
	// ResponseSent, so this is a protocol misuse.
	client.Obtain(1)
	_, err = client.Send(time.Now().Add(5 * time.Millisecond))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeIllegalState))
	assert.Contains(t, err.Error(), "state=RequestSent")
}

func TestShutdownDuringSend(t *testing.T) {
	server, client := newTestPair(t, 15)

	errCh := make(chan error, 1)
	go func() {
		client.Obtain(1)
		_, err := client.Send(time.Now().Add(10 * time.Second))
		errCh <- err
	}()

	// Let the sender publish and block, then pull the plug from the peer.
	time.Sleep(20 * time.Millisecond)
	server.SignalStop()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, IsShutdown(err))
	case <-time.After(2 * time.Second):
		t.Fatal("send did not observe shutdown")
	}
}

func TestShutdownDuringPoll(t *testing.T) {
	server, client := newTestPair(t, 16)

	errCh := make(chan error, 1)
	go func() {
		_, err := server.Poll()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	client.SignalStop()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, IsShutdown(err))
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not observe shutdown")
	}
}

func TestOperationsAfterShutdownFail(t *testing.T) {
	server, client := newTestPair(t, 17)

	server.SignalStop()
	// Idempotent, from either side.
	server.SignalStop()
	client.SignalStop()

	client.Obtain(1)
	_, err := client.Send(time.Now().Add(time.Second))
	assert.True(t, IsShutdown(err))

	_, err = server.Poll()
	assert.True(t, IsShutdown(err))
}

func TestObtainBounds(t *testing.T) {
	_, client := newTestPair(t, 18)

	max := client.MaxPayloadSize()
	require.Equal(t, os.Getpagesize()-HeaderSize(), max)

	buf := client.Obtain(uint64(max))
	assert.NotNil(t, buf)
	assert.Len(t, buf, max)

	assert.Nil(t, client.Obtain(uint64(max)+1))
	assert.True(t, client.ReadyToSend(), "a rejected obtain must not disturb the state")

	assert.Len(t, client.Obtain(0), 0)
}

func TestOversizeReplySentinel(t *testing.T) {
	server, client := newTestPair(t, 19)

	oversize := uint64(server.MaxPayloadSize() + 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := server.Poll(); err != nil {
			return
		}
		// The reply does not fit; publish only its size.
		server.Respond(oversize)
	}()

	client.Obtain(4)
	reply, err := client.Send(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.True(t, reply.Oversize())
	assert.Nil(t, reply.Data)
	assert.Equal(t, oversize, reply.Size)
	<-done

	// The exchange itself is healthy after an oversize reply.
	assert.True(t, client.ReadyToSend())
}

func TestReadyToSendAdvisory(t *testing.T) {
	server, client := newTestPair(t, 20)

	assert.True(t, client.ReadyToSend())
	assert.True(t, server.ReadyToSend(), "the predicate is per-endpoint, both start Idle")

	join := respondOnce(t, server, []byte{0xFF})
	client.Obtain(1)
	_, err := client.Send(time.Now().Add(time.Second))
	require.NoError(t, err)
	join()

	assert.True(t, client.ReadyToSend())
}

func TestRespondAfterShutdownIsSilent(t *testing.T) {
	server, client := newTestPair(t, 21)

	client.SignalStop()
	// Must neither panic nor wedge.
	server.Respond(1)
}

func TestRespondProtocolViolationIsFatal(t *testing.T) {
	server, _ := newTestPair(t, 22)

	var (
		mu     sync.Mutex
		called []string
	)
	orig := fatalf
	fatalf = func(msg string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		called = append(called, msg)
	}
	defer func() { fatalf = orig }()

	// Responding with no request in flight violates the protocol.
	server.Respond(1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, called, 1)
	assert.Contains(t, called[0], "no request in flight")
}

func TestEndpointAccessors(t *testing.T) {
	instance := testInstance()
	server := Create(instance, 23, nil)
	defer server.Close()
	client := Open(instance, 23, nil)
	defer client.Close()

	assert.Equal(t, uint64(23), server.SessionID())
	assert.Equal(t, uint64(23), client.SessionID())
	assert.Equal(t, instance, server.Instance())
	assert.Equal(t, SegmentName(instance, 23), server.Name())
	assert.True(t, server.Owner())
	assert.False(t, client.Owner())
}

func TestObserverSeesRoundTrip(t *testing.T) {
	instance := testInstance()
	metrics := NewMetrics()
	observer := NewMetricsObserver(metrics)

	server := Create(instance, 24, &Options{Observer: observer})
	defer server.Close()
	client := Open(instance, 24, &Options{Observer: observer})
	defer client.Close()

	join := respondOnce(t, server, []byte("abcd"))
	client.Obtain(2)
	_, err := client.Send(time.Now().Add(time.Second))
	require.NoError(t, err)
	join()

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.SendOps)
	assert.Equal(t, uint64(1), snap.RespondOps)
	assert.Equal(t, uint64(4), snap.SendBytes)
	assert.Equal(t, uint64(4), snap.RespondBytes)
	assert.Equal(t, uint64(0), snap.SendErrors)

	// A deadline miss shows up as an error plus a timeout.
	client.Obtain(1)
	_, err = client.Send(time.Now().Add(5 * time.Millisecond))
	require.Error(t, err)

	snap = metrics.Snapshot()
	assert.Equal(t, uint64(2), snap.SendOps)
	assert.Equal(t, uint64(1), snap.SendErrors)
	assert.Equal(t, uint64(1), snap.Timeouts)
}
