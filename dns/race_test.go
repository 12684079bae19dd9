package dns

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA = netip.MustParseAddrPort("[2001:db8::1]:443")
	addrB = netip.MustParseAddrPort("192.0.2.1:443")
	addrC = netip.MustParseAddrPort("192.0.2.2:443")
)

type trackedConn struct {
	net.Conn
	closed atomic.Bool
}

func (c *trackedConn) Close() error {
	c.closed.Store(true)
	return nil
}

func newTracked() *trackedConn {
	a, b := net.Pipe()
	b.Close()
	return &trackedConn{Conn: a}
}

func TestRaceFirstSucceeds(t *testing.T) {
	var dialed []netip.AddrPort
	var mu sync.Mutex
	conn := newTracked()

	got, addr, err := Race(context.Background(), []netip.AddrPort{addrA, addrB}, func(ctx context.Context, a netip.AddrPort) (net.Conn, error) {
		mu.Lock()
		dialed = append(dialed, a)
		mu.Unlock()
		return conn, nil
	}, time.Second)

	require.NoError(t, err)
	assert.Same(t, conn, got)
	assert.Equal(t, addrA, addr)
	mu.Lock()
	assert.Equal(t, []netip.AddrPort{addrA}, dialed)
	mu.Unlock()
}

func TestRaceFailureStartsNextImmediately(t *testing.T) {
	start := time.Now()
	got, addr, err := Race(context.Background(), []netip.AddrPort{addrA, addrB}, func(ctx context.Context, a netip.AddrPort) (net.Conn, error) {
		if a == addrA {
			return nil, errors.New("refused")
		}
		return newTracked(), nil
	}, 5*time.Second)

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, addrB, addr)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRaceHeadStart(t *testing.T) {
	// The first candidate hangs; the second must start after the head start
	// and win.
	start := time.Now()
	var hungCancelled atomic.Bool
	got, addr, err := Race(context.Background(), []netip.AddrPort{addrA, addrB}, func(ctx context.Context, a netip.AddrPort) (net.Conn, error) {
		if a == addrA {
			<-ctx.Done()
			hungCancelled.Store(true)
			return nil, ctx.Err()
		}
		return newTracked(), nil
	}, 50*time.Millisecond)

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, addrB, addr)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Eventually(t, hungCancelled.Load, time.Second, 10*time.Millisecond)
}

func TestRaceLateWinnerClosed(t *testing.T) {
	slow := newTracked()
	release := make(chan struct{})

	got, addr, err := Race(context.Background(), []netip.AddrPort{addrA, addrB}, func(ctx context.Context, a netip.AddrPort) (net.Conn, error) {
		if a == addrA {
			<-release
			return slow, nil
		}
		return newTracked(), nil
	}, 20*time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, addrB, addr)
	assert.NotSame(t, slow, got)

	close(release)
	assert.Eventually(t, slow.closed.Load, time.Second, 10*time.Millisecond)
}

func TestRaceAllFail(t *testing.T) {
	var n atomic.Int32
	_, _, err := Race(context.Background(), []netip.AddrPort{addrA, addrB, addrC}, func(ctx context.Context, a netip.AddrPort) (net.Conn, error) {
		n.Add(1)
		return nil, errors.New("unreachable " + a.String())
	}, time.Second)

	require.Error(t, err)
	assert.Equal(t, int32(3), n.Load())
	assert.Contains(t, err.Error(), "unreachable")
}

func TestRaceNoCandidates(t *testing.T) {
	_, _, err := Race(context.Background(), nil, nil, 0)
	assert.ErrorIs(t, err, ErrNoAddresses)
}

func TestRaceContextCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err := Race(ctx, []netip.AddrPort{addrA}, func(ctx context.Context, a netip.AddrPort) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDialerLocal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	d := &Dialer{Timeout: time.Second}
	c, err := d.DialContext(context.Background(), netip.MustParseAddrPort(ln.Addr().String()))
	require.NoError(t, err)
	c.Close()
}
