package dispatcher_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telepresenceio/dispatchcore/pkg/dispatcher"
	"github.com/telepresenceio/dispatchcore/pkg/directoutbound"
	"github.com/telepresenceio/dispatchcore/pkg/outbound"
	"github.com/telepresenceio/dispatchcore/pkg/session"
	"github.com/telepresenceio/dispatchcore/pkg/stats"
)

type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	return []net.IP{net.ParseIP("127.0.0.1")}, nil
}

type fakeRouter struct {
	name string
}

func (r fakeRouter) MatchRoute(ctx context.Context, sess *session.Session) string {
	return r.name
}

type fakeManager struct {
	handlers map[string]outbound.Handler
}

func (m fakeManager) Get(name string) (outbound.Handler, bool) {
	h, ok := m.handlers[name]
	return h, ok
}

// spyManager wraps a real stats.Manager to capture the TrackerInfo that
// was live at the moment a connection is untracked, since by the time
// Untrack returns the manager itself no longer remembers it.
type spyManager struct {
	stats.Manager
	mu   sync.Mutex
	last *stats.TrackerInfo
}

func (s *spyManager) Untrack(ctx context.Context, id uuid.UUID) {
	s.mu.Lock()
	for _, info := range s.Manager.Snapshot() {
		if info.UUID == id {
			s.last = info
		}
	}
	s.mu.Unlock()
	s.Manager.Untrack(ctx, id)
}

func (s *spyManager) lastUntracked() *stats.TrackerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func acceptEchoOnce(t *testing.T, ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	go func() {
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()
}

func TestDispatchStreamEchoesAndCountsBytes(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echoLn.Close()
	go acceptEchoOnce(t, echoLn)

	localLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer localLn.Close()

	echoAddr := echoLn.Addr().(*net.TCPAddr)
	sess := session.Session{
		Destination: session.NewIPAddr(echoAddr.IP, uint16(echoAddr.Port)),
		Transport:   session.TCP,
	}

	mgr := &spyManager{Manager: stats.NewManager()}
	disp := dispatcher.New(
		fakeRouter{name: "direct"},
		fakeManager{handlers: map[string]outbound.Handler{"direct": directoutbound.New("direct")}},
		stubResolver{},
		mgr,
		32,
		0,
	)

	done := make(chan error, 1)
	go func() {
		conn, err := localLn.Accept()
		if err != nil {
			done <- err
			return
		}
		done <- disp.DispatchStream(context.Background(), sess, conn)
	}()

	client, err := net.Dial("tcp", localLn.Addr().String())
	require.NoError(t, err)

	const size = 1 << 20
	payload := bytes.Repeat([]byte{0xAB}, size)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, werr := client.Write(payload)
		assert.NoError(t, werr)
	}()

	received := make([]byte, size)
	_, err = io.ReadFull(client, received)
	require.NoError(t, err)
	assert.Equal(t, payload, received)

	wg.Wait()
	require.NoError(t, client.Close())

	require.NoError(t, <-done)

	info := mgr.lastUntracked()
	require.NotNil(t, info)
	assert.EqualValues(t, size, info.UploadTotal())
	assert.EqualValues(t, size, info.DownloadTotal())
	assert.Empty(t, mgr.Snapshot())
}

func TestDispatchStreamConnectFailureClosesLocalWrites(t *testing.T) {
	// Nothing is listening on this port.
	unreachable, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := unreachable.Addr().(*net.TCPAddr)
	require.NoError(t, unreachable.Close())

	sess := session.Session{
		Destination: session.NewIPAddr(addr.IP, uint16(addr.Port)),
		Transport:   session.TCP,
	}

	disp := dispatcher.New(
		fakeRouter{name: "direct"},
		fakeManager{handlers: map[string]outbound.Handler{"direct": directoutbound.New("direct")}},
		stubResolver{},
		stats.NewManager(),
		32,
		0,
	)

	localLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer localLn.Close()

	go func() {
		conn, acceptErr := localLn.Accept()
		if acceptErr != nil {
			return
		}
		_ = disp.DispatchStream(context.Background(), sess, conn)
	}()

	client, err := net.Dial("tcp", localLn.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	buf := make([]byte, 1)
	_, err = client.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}
