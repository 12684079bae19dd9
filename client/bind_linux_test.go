//go:build linux

package client

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterfaceAppliesToNewConnections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()
	c := newTestClient(t)

	getEcho(t, c, &Request{URL: srv.URL})
	c.SetInterface("nosuchdev0")

	resp, _ := getEcho(t, c, &Request{URL: srv.URL})
	assert.True(t, resp.Reused, "pooled connection keeps its binding")

	c.CloseIdle()
	_, err := c.Get(testCtx(t), srv.URL, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, `bind to interface "nosuchdev0"`)
	if !errors.Is(err, syscall.EPERM) {
		assert.ErrorIs(t, err, syscall.ENODEV)
	}

	c.SetInterface("")
	resp, _ = getEcho(t, c, &Request{URL: srv.URL})
	assert.False(t, resp.Reused)
}
