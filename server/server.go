// Package server answers report requests over a UNIX domain socket.
// A client sends one request line and its report log; the server
// replays the report against its repository and streams the resulting
// editor calls back as msgpack frames.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitrepo"
	"github.com/t7a/pitrepo/editor"
	"github.com/t7a/pitrepo/reporter"
)

// Authorizer hands out per-user read checks.
type Authorizer interface {
	ReadFunc(user string) pitrepo.AuthzFunc
}

type Server struct {
	Repo pitrepo.Repository
	// Authz may be nil, in which case everything is readable.
	Authz Authorizer
	// SpillMem and TmpDir configure report log buffering.
	SpillMem int
	TmpDir   string
}

// Listen on a new UNIX domain socket, replacing a stale one.
// https://eli.thegreenplace.net/2019/unix-domain-sockets-in-go/
func Listen(socket string) (listener net.Listener, err error) {
	defer Return(&err)
	err = os.Remove(socket)
	if err != nil && !os.IsNotExist(err) {
		return
	}
	listener, err = net.Listen("unix", socket)
	Ck(err)
	return
}

// Serve handles connections on listener until it is closed.
func (s *Server) Serve(listener net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handle(ctx, conn)
	}
}

// handle a single connection from a client
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	rd := bufio.NewReader(conn)
	line, err := rd.ReadString('\n')
	if err != nil {
		log.Errorf("server: reading request: %v", err)
		return
	}
	req, err := ParseRequest(strings.TrimSpace(line))
	if err != nil {
		log.Errorf("server: %v", err)
		fmt.Fprintf(conn, "error %s\n", err)
		return
	}
	log.Debugf("server: %s", req)

	switch req.Op {
	case OpYoungest:
		rev, err := s.Repo.Youngest()
		if err != nil {
			fmt.Fprintf(conn, "error %s\n", err)
			return
		}
		fmt.Fprintf(conn, "ok %v\n", rev)
	case OpReport:
		enc := editor.NewEncoder(conn)
		err = s.report(ctx, req, rd, enc)
		if err != nil {
			log.Errorf("server: %s: %v", req, err)
			err = enc.Error(err)
			if err != nil {
				log.Errorf("server: sending error: %v", err)
			}
		}
	}
}

func (s *Server) report(ctx context.Context, req *Request, rd *bufio.Reader, ed pitrepo.Editor) (err error) {
	opts := req.Options()
	opts.Editor = ed
	opts.SpillMem = s.SpillMem
	opts.TmpDir = s.TmpDir
	if s.Authz != nil {
		opts.Authz = s.Authz.ReadFunc(req.User)
	}
	rep, err := reporter.Begin(s.Repo, opts)
	if err != nil {
		return
	}
	dec := reporter.NewDecoder(rd)
	for {
		var pi *reporter.PathInfo
		pi, err = dec.Next()
		if err == nil && pi == nil {
			break
		}
		if err == nil {
			err = rep.Append(pi)
		}
		if err != nil {
			return pitrepo.ComposeAbort(err, rep.AbortReport())
		}
	}
	return rep.FinishReport(ctx)
}
