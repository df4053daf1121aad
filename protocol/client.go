package protocol

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Call sends one request to the daemon listening on socket and waits for
// its response. ctx bounds the whole exchange.
func Call(ctx context.Context, socket string, req *Req) (*Res, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, errors.Wrapf(err, "Can not connect to %s", socket)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	c := NewConn(conn)
	if err := c.Write(req); err != nil {
		return nil, errors.Wrap(err, "Can not send request")
	}
	res, err := c.ReadRes()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "Can not read response")
	}
	return res, nil
}
