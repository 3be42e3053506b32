package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitrepo"
	"github.com/t7a/pitrepo/authz"
	"github.com/t7a/pitrepo/db"
	"github.com/t7a/pitrepo/editor"
	"github.com/t7a/pitrepo/fuse"
	"github.com/t7a/pitrepo/reporter"
	"github.com/t7a/pitrepo/server"
	"github.com/t7a/pitrepo/wc"
)

func init() {
	pitrepo.InitLogging()
}

type Opts struct {
	Init     bool `docopt:"init"`
	Import   bool `docopt:"import"`
	Mkdir    bool `docopt:"mkdir"`
	Rm       bool `docopt:"rm"`
	Cp       bool `docopt:"cp"`
	Propset  bool `docopt:"propset"`
	Propdel  bool `docopt:"propdel"`
	Proplist bool `docopt:"proplist"`
	Ls       bool `docopt:"ls"`
	Cat      bool `docopt:"cat"`
	Log      bool `docopt:"log"`
	Lock     bool `docopt:"lock"`
	Unlock   bool `docopt:"unlock"`
	Locks    bool `docopt:"locks"`
	Diff     bool `docopt:"diff"`
	Checkout bool `docopt:"checkout"`
	Update   bool `docopt:"update"`
	Switch   bool `docopt:"switch"`
	Exclude  bool `docopt:"exclude"`
	Serve    bool `docopt:"serve"`
	Mount    bool `docopt:"mount"`
	Follow   bool `docopt:"follow"`

	File   string   `docopt:"<file>"`
	Path   string   `docopt:"<path>"`
	Paths  []string `docopt:"<paths>"`
	Src    string   `docopt:"<src>"`
	Name   string   `docopt:"<name>"`
	Value  string   `docopt:"<value>"`
	Dir    string   `docopt:"<dir>"`
	Target string   `docopt:"<target>"`
	From   string   `docopt:"<from>"`
	To     string   `docopt:"<to>"`
	Sock   string   `docopt:"<sock>"`
	Mnt    string   `docopt:"<mnt>"`

	Message        string `docopt:"--message"`
	Author         string `docopt:"--author"`
	Token          string `docopt:"--token"`
	Rev            string `docopt:"--rev"`
	Recursive      bool   `docopt:"--recursive"`
	Quiet          bool   `docopt:"--quiet"`
	Force          bool   `docopt:"--force"`
	Similarity     string `docopt:"--similarity"`
	Depth          string `docopt:"--depth"`
	Wc             string `docopt:"--wc"`
	Socket         string `docopt:"--socket"`
	User           string `docopt:"--user"`
	Authz          string `docopt:"--authz"`
	Against        string `docopt:"--against"`
	IgnoreAncestry bool   `docopt:"--ignore-ancestry"`
	Copyfrom       bool   `docopt:"--copyfrom"`
	Deltas         bool   `docopt:"--deltas"`
}

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

func run() (rc int) {

	usage := `pit

Usage:
  pit init [--similarity=<ratio>]
  pit import [-m <msg>] [--author=<name>] [--token=<token>] <file> <path>
  pit mkdir [-m <msg>] [--author=<name>] <paths>...
  pit rm [-m <msg>] [--author=<name>] [--token=<token>] <paths>...
  pit cp [-m <msg>] [--author=<name>] [-r <rev>] <src> <path>
  pit propset [-m <msg>] [--author=<name>] [--token=<token>] <name> <value> <path>
  pit propdel [-m <msg>] [--author=<name>] [--token=<token>] <name> <path>
  pit proplist [-r <rev>] <path>
  pit ls [-R] [-r <rev>] [<path>]
  pit cat [-r <rev>] <path>
  pit log
  pit lock [-q] [--author=<name>] <path>
  pit unlock [--token=<token>] [--force] <path>
  pit locks [<path>]
  pit diff [--ignore-ancestry] [--copyfrom] [--deltas] [--against=<path>] [--user=<name>] [--authz=<file>] <path> <from> <to>
  pit checkout [-r <rev>] [--depth=<depth>] [--socket=<sock>] [--user=<name>] <path> <dir>
  pit update [-r <rev>] [--depth=<depth>] [--socket=<sock>] [--user=<name>] [--wc=<dir>] [<target>]
  pit switch [-r <rev>] [--socket=<sock>] [--user=<name>] [--wc=<dir>] <target> <path>
  pit exclude [--wc=<dir>] <target>
  pit serve [--authz=<file>] <sock>
  pit mount [-r <rev>] <mnt>
  pit follow [--wc=<dir>] [<target>]

Options:
  -h --help                  Show this screen.
  --version                  Show version.
  -m <msg>, --message=<msg>  Log message.
  --author=<name>            Commit or lock owner [default: anonymous].
  --token=<token>            Lock token held for the change.
  -r <rev>, --rev=<rev>      Revision; youngest if not given.
  -R, --recursive            List subdirectories too.
  -q, --quiet                Print nothing on success.
  --force                    Break someone else's lock.
  --similarity=<ratio>       Difflib ratio at which files of different lineage count as related [default: 0.75].
  --depth=<depth>            empty, files, immediates or infinity.
  --wc=<dir>                 Working copy [default: .].
  --socket=<sock>            Talk to a pit server instead of the local repository.
  --user=<name>              User for authorization.
  --authz=<file>             Authorization rules.
  --against=<path>           Compare with this path at <to>.

The repository is in $REPODIR, or the current directory.
`
	parser := &docopt.Parser{OptionsFirst: false}
	o, _ := parser.ParseArgs(usage, os.Args[1:], "0.0")
	var opts Opts
	err := o.Bind(&opts)
	if err != nil {
		log.Error(err)
		return 22
	}
	log.Debug(opts)

	switch true {
	case opts.Init:
		err = create(&opts)
	case opts.Import:
		err = importFile(&opts)
	case opts.Mkdir:
		err = commit(&opts, func(txn *db.Txn) (err error) {
			for _, path := range opts.Paths {
				err = txn.Mkdir(path)
				if err != nil {
					return
				}
			}
			return
		})
	case opts.Rm:
		err = commit(&opts, func(txn *db.Txn) (err error) {
			for _, path := range opts.Paths {
				err = txn.Delete(path)
				if err != nil {
					return
				}
			}
			return
		})
	case opts.Cp:
		err = commit(&opts, func(txn *db.Txn) (err error) {
			rev, err := parseRev(opts.Rev)
			if err != nil {
				return
			}
			if !rev.Valid() {
				rev = txn.Base()
			}
			return txn.Copy(opts.Src, rev, opts.Path)
		})
	case opts.Propset:
		err = commit(&opts, func(txn *db.Txn) error {
			return txn.SetProp(opts.Path, opts.Name, &opts.Value)
		})
	case opts.Propdel:
		err = commit(&opts, func(txn *db.Txn) error {
			return txn.SetProp(opts.Path, opts.Name, nil)
		})
	case opts.Proplist:
		err = proplist(&opts)
	case opts.Ls:
		err = ls(&opts)
	case opts.Cat:
		err = cat(&opts)
	case opts.Log:
		err = showLog()
	case opts.Lock:
		err = lock(&opts)
	case opts.Unlock:
		err = unlock(&opts)
	case opts.Locks:
		err = locks(&opts)
	case opts.Diff:
		err = diff(&opts)
	case opts.Checkout:
		err = checkout(&opts)
	case opts.Update:
		err = update(&opts)
	case opts.Switch:
		err = switchWc(&opts)
	case opts.Exclude:
		err = exclude(&opts)
	case opts.Serve:
		err = serve(&opts)
	case opts.Mount:
		err = mount(&opts)
	case opts.Follow:
		err = follow(&opts)
	}
	if err != nil {
		log.Error(err)
		return 42
	}
	return 0
}

func repodir() (dir string, err error) {
	dir = os.Getenv("REPODIR")
	if dir == "" {
		dir, err = os.Getwd()
	}
	return
}

func opendb() (repo *db.Db, err error) {
	dir, err := repodir()
	if err != nil {
		return
	}
	return db.Open(dir)
}

func parseRev(s string) (rev pitrepo.Revnum, err error) {
	if s == "" {
		return pitrepo.InvalidRevnum, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return pitrepo.InvalidRevnum, errors.Errorf("bad revision %q", s)
	}
	return pitrepo.Revnum(n), nil
}

func parseDepth(s string) (pitrepo.Depth, error) {
	if s == "" {
		return pitrepo.DepthUnknown, nil
	}
	return pitrepo.ParseDepth(s)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (ctx context.Context, cancel context.CancelFunc) {
	ctx, cancel = context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return
}

func create(opts *Opts) (err error) {
	dir, err := repodir()
	if err != nil {
		return
	}
	similarity, err := strconv.ParseFloat(opts.Similarity, 64)
	if err != nil {
		return errors.Wrapf(err, "similarity")
	}
	_, err = db.Db{Dir: dir, Similarity: similarity}.Create()
	if err != nil {
		return
	}
	fmt.Println("Initialized empty repository.")
	return
}

// commit runs fn in a transaction on the youngest revision.
func commit(opts *Opts, fn func(txn *db.Txn) error) (err error) {
	repo, err := opendb()
	if err != nil {
		return
	}
	txn, err := repo.Begin(pitrepo.InvalidRevnum)
	if err != nil {
		return
	}
	if opts.Token != "" {
		txn.Tokens[opts.Token] = true
	}
	err = fn(txn)
	if err != nil {
		return
	}
	rev, err := txn.Commit(opts.Author, opts.Message)
	if err != nil {
		return
	}
	fmt.Printf("Committed revision %v.\n", rev)
	return
}

func importFile(opts *Opts) (err error) {
	var rd io.Reader = os.Stdin
	if opts.File != "-" {
		fh, err := os.Open(opts.File)
		if err != nil {
			return err
		}
		defer fh.Close()
		rd = fh
	}
	return commit(opts, func(txn *db.Txn) error {
		return txn.PutFile(opts.Path, rd)
	})
}

// root opens the revision named by opts.Rev.
func root(repo *db.Db, opts *Opts) (root *db.RevRoot, err error) {
	rev, err := parseRev(opts.Rev)
	if err != nil {
		return
	}
	if !rev.Valid() {
		rev, err = repo.Youngest()
		if err != nil {
			return
		}
	}
	return repo.RevRoot(rev)
}

func proplist(opts *Opts) (err error) {
	repo, err := opendb()
	if err != nil {
		return
	}
	r, err := root(repo, opts)
	if err != nil {
		return
	}
	defer r.Close()
	props, err := r.Props(opts.Path)
	if err != nil {
		return
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s=%s\n", name, props[name])
	}
	return
}

func ls(opts *Opts) (err error) {
	repo, err := opendb()
	if err != nil {
		return
	}
	r, err := root(repo, opts)
	if err != nil {
		return
	}
	defer r.Close()
	path := opts.Path
	if path == "" {
		path = "/"
	}
	return lsDir(r, path, "", opts.Recursive)
}

func lsDir(r *db.RevRoot, path, prefix string, recursive bool) (err error) {
	children, err := r.Children(path)
	if err != nil {
		return
	}
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rel := prefix + name
		if children[name].Kind != pitrepo.KindDir {
			fmt.Println(rel)
			continue
		}
		fmt.Println(rel + "/")
		if recursive {
			err = lsDir(r, pitrepo.JoinFspath(path, name), rel+"/", recursive)
			if err != nil {
				return
			}
		}
	}
	return
}

func cat(opts *Opts) (err error) {
	repo, err := opendb()
	if err != nil {
		return
	}
	r, err := root(repo, opts)
	if err != nil {
		return
	}
	defer r.Close()
	rc, err := r.Content(opts.Path)
	if err != nil {
		return
	}
	defer rc.Close()
	_, err = io.Copy(os.Stdout, rc)
	return
}

func showLog() (err error) {
	repo, err := opendb()
	if err != nil {
		return
	}
	youngest, err := repo.Youngest()
	if err != nil {
		return
	}
	for rev := youngest; rev > 0; rev-- {
		info, err := repo.RevisionInfo(rev)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("r%v | %s", rev, info.Author)
		if info.Log != "" {
			line += " | " + strings.Split(info.Log, "\n")[0]
		}
		fmt.Println(line)
	}
	return
}

func lock(opts *Opts) (err error) {
	repo, err := opendb()
	if err != nil {
		return
	}
	l, err := repo.LockPath(opts.Path, opts.Author)
	if err != nil {
		return
	}
	if !opts.Quiet {
		fmt.Println(l.Token)
	}
	return
}

func unlock(opts *Opts) (err error) {
	repo, err := opendb()
	if err != nil {
		return
	}
	return repo.Unlock(opts.Path, opts.Token, opts.Force)
}

func locks(opts *Opts) (err error) {
	repo, err := opendb()
	if err != nil {
		return
	}
	path := opts.Path
	if path == "" {
		path = "/"
	}
	all, err := repo.Locks(path)
	if err != nil {
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Path < all[j].Path })
	for _, l := range all {
		fmt.Printf("%s %s\n", l.Path, l.Owner)
	}
	return
}

// diff shows the edit that takes path@from to path@to, or to the
// --against path at to.
func diff(opts *Opts) (err error) {
	repo, err := opendb()
	if err != nil {
		return
	}
	from, err := parseRev(opts.From)
	if err != nil {
		return
	}
	to, err := parseRev(opts.To)
	if err != nil {
		return
	}
	rec := editor.NewRecorder()
	ropts := reporter.Options{
		TargetRev:      to,
		FsBase:         opts.Path,
		SwitchPath:     opts.Against,
		Depth:          pitrepo.DepthUnknown,
		TextDeltas:     opts.Deltas,
		IgnoreAncestry: opts.IgnoreAncestry,
		SendCopyFrom:   opts.Copyfrom,
		Editor:         editor.WithLog(rec, log.Fields{"cmd": "diff"}),
	}
	if opts.Authz != "" {
		rules, err := authz.Load(opts.Authz)
		if err != nil {
			return err
		}
		ropts.Authz = rules.ReadFunc(opts.User)
	}
	rep, err := reporter.Begin(repo, ropts)
	if err != nil {
		return
	}
	err = rep.SetPath("", from, pitrepo.DepthInfinity, false, "")
	if err != nil {
		rep.AbortReport()
		return
	}
	ctx, cancel := signalContext()
	defer cancel()
	err = rep.FinishReport(ctx)
	if err != nil {
		return
	}
	for _, op := range rec.Ops(false) {
		fmt.Println(op)
	}
	return
}

// connector picks the server or the local repository.
func connector(opts *Opts) (conn wc.Connector, err error) {
	if opts.Socket != "" {
		return &server.Remote{Socket: opts.Socket, User: opts.User}, nil
	}
	repo, err := opendb()
	if err != nil {
		return
	}
	return &wc.Local{Repo: repo}, nil
}

func checkout(opts *Opts) (err error) {
	conn, err := connector(opts)
	if err != nil {
		return
	}
	rev, err := parseRev(opts.Rev)
	if err != nil {
		return
	}
	depth, err := parseDepth(opts.Depth)
	if err != nil {
		return
	}
	ctx, cancel := signalContext()
	defer cancel()
	w, err := wc.Checkout(ctx, conn, opts.Path, rev, depth, opts.Dir)
	if err != nil {
		return
	}
	fmt.Printf("Checked out revision %v.\n", w.State.Entries[""].Rev)
	return
}

func update(opts *Opts) (err error) {
	conn, err := connector(opts)
	if err != nil {
		return
	}
	rev, err := parseRev(opts.Rev)
	if err != nil {
		return
	}
	depth, err := parseDepth(opts.Depth)
	if err != nil {
		return
	}
	w, err := wc.Open(opts.Wc)
	if err != nil {
		return
	}
	ctx, cancel := signalContext()
	defer cancel()
	rev, err = w.Update(ctx, conn, opts.Target, rev, depth)
	if err != nil {
		return
	}
	fmt.Printf("Updated to revision %v.\n", rev)
	return
}

func switchWc(opts *Opts) (err error) {
	conn, err := connector(opts)
	if err != nil {
		return
	}
	rev, err := parseRev(opts.Rev)
	if err != nil {
		return
	}
	w, err := wc.Open(opts.Wc)
	if err != nil {
		return
	}
	ctx, cancel := signalContext()
	defer cancel()
	rev, err = w.Switch(ctx, conn, opts.Target, opts.Path, rev)
	if err != nil {
		return
	}
	fmt.Printf("Switched to revision %v.\n", rev)
	return
}

func exclude(opts *Opts) (err error) {
	w, err := wc.Open(opts.Wc)
	if err != nil {
		return
	}
	return w.Exclude(opts.Target)
}

func serve(opts *Opts) (err error) {
	repo, err := opendb()
	if err != nil {
		return
	}
	srv := &server.Server{Repo: repo}
	if opts.Authz != "" {
		rules, err := authz.Load(opts.Authz)
		if err != nil {
			return err
		}
		srv.Authz = rules
	}
	listener, err := server.Listen(opts.Sock)
	if err != nil {
		return
	}
	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	log.Infof("serving %s on %s", repo.Dir, opts.Sock)
	return srv.Serve(listener)
}

func mount(opts *Opts) (err error) {
	repo, err := opendb()
	if err != nil {
		return
	}
	rev, err := parseRev(opts.Rev)
	if err != nil {
		return
	}
	fsrv, err := fuse.Serve(repo, rev, opts.Mnt)
	if err != nil {
		return
	}
	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		err := fsrv.Unmount()
		if err != nil {
			log.Errorf("unmount %s: %v", opts.Mnt, err)
		}
	}()
	fsrv.Wait()
	return
}

// follow updates the working copy each time the repository gets a
// new revision.
func follow(opts *Opts) (err error) {
	repo, err := opendb()
	if err != nil {
		return
	}
	w, err := wc.Open(opts.Wc)
	if err != nil {
		return
	}
	conn := &wc.Local{Repo: repo}
	ctx, cancel := signalContext()
	defer cancel()
	return wc.Follow(ctx, repo.RevDir(), func() error {
		rev, err := w.Update(ctx, conn, opts.Target, pitrepo.InvalidRevnum, pitrepo.DepthUnknown)
		if err != nil {
			return err
		}
		fmt.Printf("Updated to revision %v.\n", rev)
		return nil
	})
}
