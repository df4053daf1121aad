package protocol

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Handler answers one request. It runs on the connection's goroutine.
type Handler interface {
	Handle(ctx context.Context, req *Req) *Res
}

type HandlerFunc func(ctx context.Context, req *Req) *Res

func (f HandlerFunc) Handle(ctx context.Context, req *Req) *Res {
	return f(ctx, req)
}

// Serve accepts connections on ln until ctx is done or ln is closed. Each
// connection may carry any number of requests. Serve closes ln and waits
// for open connections before returning.
func Serve(ctx context.Context, ln net.Listener, h Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "Accept error")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, conn, h, logger)
		}()
	}
}

func serveConn(ctx context.Context, conn net.Conn, h Handler, logger *slog.Logger) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c := NewConn(conn)
	for {
		req, err := c.ReadReq()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Warn("Can not read request", "error", err)
			}
			return
		}

		res := h.Handle(ctx, req)
		if err := c.Write(res); err != nil {
			logger.Warn("Can not write response", "action", req.Action, "error", err)
			return
		}
	}
}
