package server

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/shlex"
	"github.com/pkg/errors"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitrepo"
	"github.com/t7a/pitrepo/reporter"
)

// Request is the text line that opens a connection, e.g.
//
//	report user=alice fsbase=/trunk operand=a rev=7 depth=infinity text-deltas=true
//
// A report request is followed by the encoded report log.
type Request struct {
	Op             string
	User           string
	FsBase         string
	Operand        string
	SwitchPath     string
	Rev            pitrepo.Revnum
	Depth          pitrepo.Depth
	TextDeltas     bool
	IgnoreAncestry bool
	SendCopyFrom   bool
}

const (
	OpReport   = "report"
	OpYoungest = "youngest"
)

// NewRequest describes a report with opts on behalf of user.
func NewRequest(user string, opts reporter.Options) *Request {
	return &Request{
		Op:             OpReport,
		User:           user,
		FsBase:         opts.FsBase,
		Operand:        opts.Operand,
		SwitchPath:     opts.SwitchPath,
		Rev:            opts.TargetRev,
		Depth:          opts.Depth,
		TextDeltas:     opts.TextDeltas,
		IgnoreAncestry: opts.IgnoreAncestry,
		SendCopyFrom:   opts.SendCopyFrom,
	}
}

// Options returns the report options the request asks for.  The
// caller supplies the editor and authz.
func (r *Request) Options() reporter.Options {
	return reporter.Options{
		TargetRev:      r.Rev,
		FsBase:         r.FsBase,
		Operand:        r.Operand,
		SwitchPath:     r.SwitchPath,
		Depth:          r.Depth,
		TextDeltas:     r.TextDeltas,
		IgnoreAncestry: r.IgnoreAncestry,
		SendCopyFrom:   r.SendCopyFrom,
	}
}

func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\"'\\#") {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// String renders the request as a line without the newline.
func (r *Request) String() string {
	if r.Op != OpReport {
		return r.Op
	}
	parts := []string{r.Op}
	add := func(key, val string) {
		parts = append(parts, key+"="+quote(val))
	}
	if r.User != "" {
		add("user", r.User)
	}
	add("fsbase", r.FsBase)
	if r.Operand != "" {
		add("operand", r.Operand)
	}
	if r.SwitchPath != "" {
		add("switch", r.SwitchPath)
	}
	add("rev", r.Rev.String())
	add("depth", r.Depth.String())
	add("text-deltas", strconv.FormatBool(r.TextDeltas))
	add("ignore-ancestry", strconv.FormatBool(r.IgnoreAncestry))
	add("send-copyfrom", strconv.FormatBool(r.SendCopyFrom))
	return strings.Join(parts, " ")
}

// ParseRequest splits line and returns the request it carries.
func ParseRequest(line string) (req *Request, err error) {
	defer Return(&err)
	parts, err := shlex.Split(line)
	Ck(err)
	ErrnoIf(len(parts) < 1, syscall.EINVAL, line)
	req = &Request{
		Op:    parts[0],
		Rev:   pitrepo.InvalidRevnum,
		Depth: pitrepo.DepthUnknown,
	}
	switch req.Op {
	case OpYoungest:
		ErrnoIf(len(parts) > 1, syscall.EINVAL, line)
		return
	case OpReport:
	default:
		return nil, fmt.Errorf("unknown request %q", req.Op)
	}
	for _, part := range parts[1:] {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed option %q", part)
		}
		key, val := kv[0], kv[1]
		switch key {
		case "user":
			req.User = val
		case "fsbase":
			req.FsBase = val
		case "operand":
			req.Operand = val
		case "switch":
			req.SwitchPath = val
		case "rev":
			if val == "-" {
				req.Rev = pitrepo.InvalidRevnum
				continue
			}
			var n int64
			n, err = strconv.ParseInt(val, 10, 64)
			if err != nil || n < 0 {
				return nil, errors.Errorf("bad revision %q", val)
			}
			req.Rev = pitrepo.Revnum(n)
		case "depth":
			req.Depth, err = pitrepo.ParseDepth(val)
			Ck(err)
		case "text-deltas":
			req.TextDeltas, err = strconv.ParseBool(val)
			Ck(err)
		case "ignore-ancestry":
			req.IgnoreAncestry, err = strconv.ParseBool(val)
			Ck(err)
		case "send-copyfrom":
			req.SendCopyFrom, err = strconv.ParseBool(val)
			Ck(err)
		default:
			return nil, fmt.Errorf("unknown option %q", key)
		}
	}
	return
}
