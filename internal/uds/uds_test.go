package uds

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

// socketPath stays under /tmp: t.TempDir paths can exceed the sun_path limit on macOS.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "cond-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "c.sock")
}

func startServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	path := socketPath(t)
	srv := NewServer(path, logging.Discard())
	t.Cleanup(srv.Stop)
	client := NewClient(path)
	client.SetTimeout(5 * time.Second)
	return srv, client
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req, err := NewRequest("status", map[string]int{"page": 2})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(&buf, req))

	assert.Equal(t, uint32(buf.Len()-4), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	var got Request
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, ProtocolVersion, got.ProtocolVersion)
	assert.Equal(t, "status", got.Command)
	assert.JSONEq(t, `{"page":2}`, string(got.Params))
}

func TestFrame_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(maxFrameSize+1)))
	err := ReadFrame(&buf, &Request{})
	assert.ErrorContains(t, err, "frame too large")
}

func TestFrame_TruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(10)))
	buf.WriteString("{}")
	assert.Error(t, ReadFrame(&buf, &Request{}))
}

func TestServer_Call(t *testing.T) {
	srv, client := startServer(t)
	srv.Handle("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		var in struct{ Name string }
		if err := DecodeParams(params, &in); err != nil {
			return nil, err
		}
		return map[string]string{"hello": in.Name}, nil
	})
	require.NoError(t, srv.Start())

	var out map[string]string
	require.NoError(t, client.Call(context.Background(), "echo", map[string]string{"Name": "agent"}, &out))
	assert.Equal(t, map[string]string{"hello": "agent"}, out)
}

func TestServer_ErrorCodes(t *testing.T) {
	srv, client := startServer(t)
	id := uuid.New()
	srv.Handle("abort", func(context.Context, json.RawMessage) (any, error) {
		return nil, model.NoSuchInstance(id)
	})
	srv.Handle("broken", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	})
	srv.Handle("strict", func(_ context.Context, params json.RawMessage) (any, error) {
		var n int
		return nil, DecodeParams(params, &n)
	})
	srv.Handle("panics", func(context.Context, json.RawMessage) (any, error) {
		panic("boom")
	})
	require.NoError(t, srv.Start())
	ctx := context.Background()

	cases := []struct {
		command string
		params  any
		code    string
	}{
		{"abort", nil, string(model.LabelNoSuchInstance)},
		{"broken", nil, ErrCodeInternal},
		{"strict", "not a number", ErrCodeBadParams},
		{"panics", nil, ErrCodeInternal},
		{"missing", nil, ErrCodeUnknownCommand},
	}
	for _, tc := range cases {
		t.Run(tc.command, func(t *testing.T) {
			err := client.Call(ctx, tc.command, tc.params, nil)
			var detail *ErrorDetail
			require.ErrorAs(t, err, &detail)
			assert.Equal(t, tc.code, detail.Code)
		})
	}
}

func TestServer_ProtocolMismatch(t *testing.T) {
	srv, client := startServer(t)
	require.NoError(t, srv.Start())

	resp, err := client.Send(context.Background(), &Request{ProtocolVersion: 99, Command: "status"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_ConcurrentClients(t *testing.T) {
	srv, client := startServer(t)
	var mu sync.Mutex
	calls := 0
	srv.Handle("ping", func(context.Context, json.RawMessage) (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "pong", nil
	})
	require.NoError(t, srv.Start())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out string
			assert.NoError(t, client.Call(context.Background(), "ping", nil, &out))
			assert.Equal(t, "pong", out)
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, calls)
}

func TestServer_IdleConnectionTimesOut(t *testing.T) {
	srv, _ := startServer(t)
	srv.SetConnTimeout(100 * time.Millisecond)
	require.NoError(t, srv.Start())

	conn, err := net.Dial("unix", srv.socketPath)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "server closes a connection that never sends a frame")
}

func TestServer_SocketLifecycle(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0600))

	srv := NewServer(path, logging.Discard())
	require.NoError(t, srv.Start())
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, info.Mode()&os.ModeSocket)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	srv.Stop()
	assert.NoFileExists(t, path)
}

func TestClient_NoDaemon(t *testing.T) {
	client := NewClient(socketPath(t))
	client.SetTimeout(time.Second)
	err := client.Call(context.Background(), "status", nil, nil)
	assert.ErrorContains(t, err, "is `conductor agent` or `conductor orchestrator` running?")
}

func TestSuccessResponse(t *testing.T) {
	assert.Empty(t, SuccessResponse(nil).Data)
	resp := SuccessResponse([]int{1, 2})
	assert.True(t, resp.Success)
	assert.JSONEq(t, `[1,2]`, string(resp.Data))

	resp = SuccessResponse(make(chan int))
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeInternal, resp.Error.Code)
}
