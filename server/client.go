package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitrepo"
	"github.com/t7a/pitrepo/editor"
	"github.com/t7a/pitrepo/reporter"
)

// Client is the report side of a connection.  Its edit is replayed
// into the editor given to Dial when the report is finished.
type Client struct {
	conn    net.Conn
	wr      *bufio.Writer
	operand string
	ed      pitrepo.Editor
	// first write failure; the server's own error usually explains it
	werr error
	done bool
}

var _ pitrepo.Reporter = (*Client)(nil)

// Dial connects to the server at socket and sends req.
func Dial(socket string, req *Request, ed pitrepo.Editor) (c *Client, err error) {
	if ed == nil {
		return nil, errors.New("report needs an editor")
	}
	if req.Op != OpReport {
		return nil, errors.Errorf("%q is not a report request", req.Op)
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return
	}
	c = &Client{
		conn:    conn,
		wr:      bufio.NewWriter(conn),
		operand: strings.Trim(req.Operand, "/"),
		ed:      ed,
	}
	_, err = fmt.Fprintf(c.wr, "%s\n", req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return
}

func (c *Client) write(pi *reporter.PathInfo) error {
	if c.done {
		return errors.New("report already finished")
	}
	if c.werr == nil {
		c.werr = reporter.Encode(c.wr, pi)
	}
	return nil
}

func (c *Client) SetPath(path string, rev pitrepo.Revnum, depth pitrepo.Depth, startEmpty bool, lockToken string) error {
	return c.write(&reporter.PathInfo{
		Path:       pitrepo.JoinRelpath(c.operand, path),
		Rev:        rev,
		Depth:      depth,
		StartEmpty: startEmpty,
		LockToken:  lockToken,
	})
}

func (c *Client) DeletePath(path string) error {
	return c.write(&reporter.PathInfo{
		Path:  pitrepo.JoinRelpath(c.operand, path),
		Rev:   pitrepo.InvalidRevnum,
		Depth: pitrepo.DepthInfinity,
	})
}

func (c *Client) LinkPath(path, linkPath string, rev pitrepo.Revnum, depth pitrepo.Depth, startEmpty bool, lockToken string) error {
	if depth == pitrepo.DepthExclude {
		return errors.Wrapf(pitrepo.ErrIllegalTarget, "depth exclude on link of %q", path)
	}
	if !strings.HasPrefix(linkPath, "/") {
		return errors.Wrapf(pitrepo.ErrIllegalTarget, "link target %q is not a repository path", linkPath)
	}
	return c.write(&reporter.PathInfo{
		Path:       pitrepo.JoinRelpath(c.operand, path),
		LinkPath:   pitrepo.CanonFspath(linkPath),
		Rev:        rev,
		Depth:      depth,
		StartEmpty: startEmpty,
		LockToken:  lockToken,
	})
}

// FinishReport sends the end of the log and replays the server's edit.
func (c *Client) FinishReport(ctx context.Context) (err error) {
	if c.done {
		return errors.New("report already finished")
	}
	c.done = true
	defer c.conn.Close()

	if c.werr == nil {
		c.werr = reporter.EncodeEnd(c.wr)
	}
	if c.werr == nil {
		c.werr = c.wr.Flush()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-stop:
		}
	}()

	err = editor.Replay(c.conn, c.ed)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return
	}
	return c.werr
}

// AbortReport drops the connection; the server abandons the report.
func (c *Client) AbortReport() error {
	if c.done {
		return nil
	}
	c.done = true
	return c.conn.Close()
}

// Youngest asks the server at socket for its youngest revision.
func Youngest(socket string) (rev pitrepo.Revnum, err error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return
	}
	defer conn.Close()
	_, err = fmt.Fprintf(conn, "%s\n", OpYoungest)
	if err != nil {
		return
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return pitrepo.InvalidRevnum, errors.Wrap(err, "reading youngest")
	}
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "error ") {
		return pitrepo.InvalidRevnum, errors.New(strings.TrimPrefix(line, "error "))
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(line, "ok "), 10, 64)
	if err != nil {
		return pitrepo.InvalidRevnum, errors.Wrapf(err, "bad youngest reply %q", line)
	}
	return pitrepo.Revnum(n), nil
}

// Remote reports against a server as User.
type Remote struct {
	Socket string
	User   string
}

func (r *Remote) Youngest() (pitrepo.Revnum, error) {
	return Youngest(r.Socket)
}

func (r *Remote) Report(opts reporter.Options) (pitrepo.Reporter, error) {
	log.Debugf("remote report to %s as %q", r.Socket, r.User)
	c, err := Dial(r.Socket, NewRequest(r.User, opts), opts.Editor)
	if err != nil {
		return nil, err
	}
	return c, nil
}
