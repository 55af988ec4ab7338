package httpio

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"silo3/internal/bufpool"
	"silo3/internal/msgview"
)

func TestReadRequestWithBody(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	request := "PUT /createObject/b/k HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"
	go func() {
		client.Write([]byte(request))
	}()

	pool := bufpool.New(4096, 8)
	cache := bufpool.NewCache()
	var msg msgview.View
	defer msg.Clear(cache)

	total, contentLength, err := ReadRequest(server, pool, cache, &msg)
	require.NoError(t, err)
	require.EqualValues(t, 5, contentLength)
	require.Equal(t, len(request), total)

	linear := make([]byte, msg.TotalLength())
	msg.CopyOut(linear)
	require.Equal(t, request, string(linear))
}

func TestReadRequestNoBody(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	request := "GET /getBucket/ HTTP/1.1\r\nHost: x\r\n\r\n"
	go func() {
		client.Write([]byte(request))
		client.Close()
	}()

	pool := bufpool.New(4096, 8)
	cache := bufpool.NewCache()
	var msg msgview.View
	defer msg.Clear(cache)

	total, contentLength, err := ReadRequest(server, pool, cache, &msg)
	require.NoError(t, err)
	require.EqualValues(t, 0, contentLength)
	require.Equal(t, len(request), total)
}
