// Xiaomu is a task queue service for phone-agent automation.
// Copyright (C) 2025 Xiaomu Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package broker is a minimal Redis client covering exactly the five
// commands the service uses: LPUSH, BRPOP, HSET, HGET, LLEN. Every call
// dials a fresh connection, selects the configured database, runs one
// command, reads one reply, and closes. No pipelining, pub/sub, cluster,
// or auth; the traffic here is one list and a few small hashes, and a
// connection per call keeps failure handling trivial.
package broker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

const defaultDialTimeout = 5 * time.Second

// Config locates the broker.
type Config struct {
	Host string
	Port int
	// DB is selected after dialing when non-zero.
	DB int
	// DialTimeout bounds connection setup and doubles as the I/O deadline
	// for non-blocking commands. Defaults to 5 seconds.
	DialTimeout time.Duration
}

// Client issues single commands over per-call connections.
type Client struct {
	addr        string
	db          int
	dialTimeout time.Duration
}

// New builds a Client. The zero DialTimeout gets the 5s default.
func New(cfg Config) *Client {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return &Client{
		addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		db:          cfg.DB,
		dialTimeout: timeout,
	}
}

// --------------- Commands ---------------

// LPush pushes value onto the head of the list and returns the list length
// after the push.
func (c *Client) LPush(ctx context.Context, key, value string) (int64, error) {
	rep, err := c.do(ctx, c.dialTimeout, "LPUSH", key, value)
	if err != nil {
		return 0, fmt.Errorf("lpush %s: %w", key, err)
	}
	return rep.integer()
}

// BRPop blocks up to timeout for a value from the tail of the list. The
// boolean is false when the wait timed out without a value. The socket
// deadline is timeout plus two seconds so the server's nil reply always
// beats the deadline.
func (c *Client) BRPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	secs := int64(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	rep, err := c.do(ctx, time.Duration(secs)*time.Second+2*time.Second, "BRPOP", key, strconv.FormatInt(secs, 10))
	if err != nil {
		return "", false, fmt.Errorf("brpop %s: %w", key, err)
	}
	if rep.null {
		return "", false, nil
	}
	if rep.kind != '*' || len(rep.items) != 2 {
		return "", false, fmt.Errorf("brpop %s: unexpected reply shape", key)
	}
	return rep.items[1].str, true, nil
}

// HSet writes the given hash fields and returns the number of fields that
// were newly created.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	args := make([]string, 0, 2+2*len(fields))
	args = append(args, "HSET", key)
	for field, value := range fields {
		args = append(args, field, value)
	}
	rep, err := c.do(ctx, c.dialTimeout, args...)
	if err != nil {
		return 0, fmt.Errorf("hset %s: %w", key, err)
	}
	return rep.integer()
}

// HGet reads one hash field. The boolean is false when the key or field
// does not exist.
func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	rep, err := c.do(ctx, c.dialTimeout, "HGET", key, field)
	if err != nil {
		return "", false, fmt.Errorf("hget %s %s: %w", key, field, err)
	}
	if rep.null {
		return "", false, nil
	}
	if rep.kind != '$' && rep.kind != '+' {
		return "", false, fmt.Errorf("hget %s %s: unexpected reply shape", key, field)
	}
	return rep.str, true, nil
}

// LLen returns the length of the list.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	rep, err := c.do(ctx, c.dialTimeout, "LLEN", key)
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return rep.integer()
}

// --------------- Wire plumbing ---------------

// replyError is an error the server reported in a "-" reply.
type replyError string

func (e replyError) Error() string { return string(e) }

// reply is one decoded RESP value.
type reply struct {
	kind  byte // '+', ':', '$', '*'
	str   string
	num   int64
	items []reply
	null  bool
}

func (r reply) integer() (int64, error) {
	if r.kind != ':' {
		return 0, fmt.Errorf("expected integer reply, got %q", string(r.kind))
	}
	return r.num, nil
}

// do runs one command on a fresh connection. ioDeadline bounds all reads
// and writes on the connection; an earlier ctx deadline tightens it.
func (c *Client) do(ctx context.Context, ioDeadline time.Duration, args ...string) (reply, error) {
	conn, err := c.dial(ctx, ioDeadline)
	if err != nil {
		return reply{}, err
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	if c.db > 0 {
		if _, err := roundTrip(conn, r, "SELECT", strconv.Itoa(c.db)); err != nil {
			return reply{}, fmt.Errorf("select db %d: %w", c.db, err)
		}
	}
	return roundTrip(conn, r, args...)
}

func (c *Client) dial(ctx context.Context, ioDeadline time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	deadline := time.Now().Add(ioDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	return conn, nil
}

func roundTrip(conn net.Conn, r *bufio.Reader, args ...string) (reply, error) {
	if _, err := conn.Write(encodeCommand(args)); err != nil {
		return reply{}, fmt.Errorf("write command: %w", err)
	}
	return readReply(r)
}

// encodeCommand renders args as a RESP array of bulk strings.
func encodeCommand(args []string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "*%d\r\n", len(args))
	for _, arg := range args {
		fmt.Fprintf(&buf, "$%d\r\n%s\r\n", len(arg), arg)
	}
	return buf.Bytes()
}

func readReply(r *bufio.Reader) (reply, error) {
	line, err := readLine(r)
	if err != nil {
		return reply{}, err
	}
	if line == "" {
		return reply{}, fmt.Errorf("empty reply line")
	}
	kind, rest := line[0], line[1:]
	switch kind {
	case '+':
		return reply{kind: '+', str: rest}, nil
	case '-':
		return reply{}, replyError(rest)
	case ':':
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return reply{}, fmt.Errorf("parse integer reply %q: %w", rest, err)
		}
		return reply{kind: ':', num: n}, nil
	case '$':
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return reply{}, fmt.Errorf("parse bulk length %q: %w", rest, err)
		}
		if n < 0 {
			return reply{kind: '$', null: true}, nil
		}
		// n payload bytes plus the trailing CRLF.
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return reply{}, fmt.Errorf("read bulk body: %w", err)
		}
		return reply{kind: '$', str: string(buf[:n])}, nil
	case '*':
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return reply{}, fmt.Errorf("parse array length %q: %w", rest, err)
		}
		if n < 0 {
			return reply{kind: '*', null: true}, nil
		}
		items := make([]reply, 0, n)
		for i := int64(0); i < n; i++ {
			item, err := readReply(r)
			if err != nil {
				return reply{}, err
			}
			items = append(items, item)
		}
		return reply{kind: '*', items: items}, nil
	default:
		return reply{}, fmt.Errorf("unexpected reply prefix %q", string(kind))
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
