package dns

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"
)

// DefaultHeadStart is how long an attempt runs alone before the next
// candidate is tried in parallel (RFC 8305 "Connection Attempt Delay").
const DefaultHeadStart = 250 * time.Millisecond

// DialFunc opens a connection to one candidate address.
type DialFunc func(ctx context.Context, addr netip.AddrPort) (net.Conn, error)

type attempt struct {
	conn net.Conn
	addr netip.AddrPort
	err  error
}

// Race dials candidates Happy Eyeballs style. The first attempt starts at
// once; each further attempt starts when the previous one fails or after
// headStart, whichever is first. The first connection wins and the other
// attempts are cancelled; late winners are closed. If every attempt fails
// the last error is returned.
func Race(ctx context.Context, candidates []netip.AddrPort, dial DialFunc, headStart time.Duration) (net.Conn, netip.AddrPort, error) {
	if len(candidates) == 0 {
		return nil, netip.AddrPort{}, ErrNoAddresses
	}
	if headStart <= 0 {
		headStart = DefaultHeadStart
	}

	ctx, cancel := context.WithCancel(ctx)
	results := make(chan attempt, len(candidates))
	next, pending := 0, 0

	start := func() {
		addr := candidates[next]
		next++
		pending++
		go func() {
			c, err := dial(ctx, addr)
			results <- attempt{conn: c, addr: addr, err: err}
		}()
	}

	timer := time.NewTimer(headStart)
	defer timer.Stop()
	start()

	var lastErr error
	for {
		select {
		case res := <-results:
			pending--
			if res.err == nil {
				cancel()
				go drain(results, pending)
				return res.conn, res.addr, nil
			}
			lastErr = res.err
			if next < len(candidates) {
				start()
				resetTimer(timer, headStart)
			} else if pending == 0 {
				cancel()
				return nil, netip.AddrPort{}, lastErr
			}

		case <-timer.C:
			if next < len(candidates) {
				start()
				timer.Reset(headStart)
			}

		case <-ctx.Done():
			err := ctx.Err()
			cancel()
			go drain(results, pending)
			if lastErr != nil && !errors.Is(err, context.Canceled) {
				err = errors.Join(err, lastErr)
			}
			return nil, netip.AddrPort{}, err
		}
	}
}

// drain closes connections from attempts that finish after the race is
// decided.
func drain(results <-chan attempt, pending int) {
	for ; pending > 0; pending-- {
		if res := <-results; res.conn != nil {
			res.conn.Close()
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
