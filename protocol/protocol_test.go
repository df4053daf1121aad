package protocol

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) (net.Listener, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "test.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	return ln, sock
}

func echoHandler(_ context.Context, req *Req) *Res {
	if req.Action == ActionShutdown {
		return ErrorRes(errors.New("not allowed"), "forbidden")
	}
	return SuccessRes(map[string]string{"action": string(req.Action), "label": req.Params["label"]})
}

func TestServeAndCall(t *testing.T) {
	ln, sock := listen(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, HandlerFunc(echoHandler), nil) }()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()

	res, err := Call(callCtx, sock, NewReq(ActionEnroll, map[string]string{"label": "carol"}))
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "ENROLL", res.Extras["action"])
	assert.Equal(t, "carol", res.Extras["label"])

	res, err = Call(callCtx, sock, NewReq(ActionShutdown, nil))
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, "not allowed", res.Error)
	assert.Equal(t, "forbidden", res.Code)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestConn_MultipleRequests(t *testing.T) {
	ln, sock := listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Serve(ctx, ln, HandlerFunc(echoHandler), nil)

	raw, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer raw.Close()

	c := NewConn(raw)
	for _, a := range []Action{ActionStatus, ActionToggle, ActionMode} {
		require.NoError(t, c.Write(NewReq(a, nil)))
		res, err := c.ReadRes()
		require.NoError(t, err)
		assert.Equal(t, string(a), res.Extras["action"])
	}
}

func TestCall_NoDaemon(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "missing.sock")
	_, err := Call(context.Background(), sock, NewReq(ActionStatus, nil))
	assert.Error(t, err)
}
