// Package protocol is the newline delimited JSON exchanged with the
// daemon over its unix socket.
package protocol

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

type Action string

const (
	ActionMode     Action = "MODE"
	ActionToggle   Action = "TOGGLE"
	ActionEnroll   Action = "ENROLL"
	ActionTrain    Action = "TRAIN"
	ActionStatus   Action = "STATUS"
	ActionShutdown Action = "SHUTDOWN"
)

type Req struct {
	Action Action            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

type Res struct {
	Status Status            `json:"status"`
	Error  string            `json:"error,omitempty"`
	Code   string            `json:"code,omitempty"`
	Extras map[string]string `json:"extras,omitempty"`
}

func (r *Res) OK() bool {
	return r.Status == StatusSuccess
}

func NewReq(action Action, params map[string]string) *Req {
	return &Req{Action: action, Params: params}
}

func SuccessRes(extras map[string]string) *Res {
	return &Res{Status: StatusSuccess, Extras: extras}
}

func ErrorRes(err error, code string) *Res {
	return &Res{Status: StatusError, Error: err.Error(), Code: code}
}

// Conn reads and writes messages on one stream. Reads and writes may run
// on different goroutines.
type Conn struct {
	dec *json.Decoder

	mu  sync.Mutex
	enc *json.Encoder
}

func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		dec: json.NewDecoder(bufio.NewReader(rw)),
		enc: json.NewEncoder(rw),
	}
}

func (c *Conn) ReadReq() (*Req, error) {
	var req Req
	if err := c.dec.Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *Conn) ReadRes() (*Res, error) {
	var res Res
	if err := c.dec.Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Conn) Write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(v)
}
