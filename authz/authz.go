// Package authz decides which repository paths a user may read.
//
// Rules come from an INI file whose sections are repository paths.
// Keys are user names, @group names or * (everyone); values are r,
// rw or empty for no access.  Groups are listed in a [groups]
// section:
//
//	[groups]
//	devs = alice, bob
//
//	[/]
//	* = r
//
//	[/secret]
//	* =
//	@devs = rw
//
// The longest section that has a rule for the user decides.
package authz

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitrepo"
	"gopkg.in/ini.v1"
)

const groupsSection = "groups"

// Rules is a parsed authz file.
type Rules struct {
	groups   map[string][]string
	sections map[string]map[string]string
}

// Load reads rules from the INI file at path.
func Load(path string) (rules *Rules, err error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading authz %s", path)
	}
	return fromIni(cfg)
}

// Parse reads rules from buf.
func Parse(buf []byte) (rules *Rules, err error) {
	cfg, err := ini.Load(buf)
	if err != nil {
		return nil, errors.Wrap(err, "parsing authz")
	}
	return fromIni(cfg)
}

func fromIni(cfg *ini.File) (rules *Rules, err error) {
	rules = &Rules{
		groups:   map[string][]string{},
		sections: map[string]map[string]string{},
	}
	for _, sec := range cfg.Sections() {
		name := sec.Name()
		switch {
		case name == ini.DefaultSection:
			if len(sec.Keys()) > 0 {
				return nil, errors.Errorf("authz: rules outside a section")
			}
			continue
		case name == groupsSection:
			for _, key := range sec.Keys() {
				for _, member := range strings.Split(key.String(), ",") {
					member = strings.TrimSpace(member)
					if member != "" {
						rules.groups[key.Name()] = append(rules.groups[key.Name()], member)
					}
				}
			}
			continue
		case !strings.HasPrefix(name, "/"):
			return nil, errors.Wrapf(pitrepo.ErrPathSyntax, "authz section %q", name)
		}
		path := pitrepo.CanonFspath(name)
		rs := map[string]string{}
		for _, key := range sec.Keys() {
			access := strings.TrimSpace(key.String())
			switch access {
			case "", "r", "rw":
			default:
				return nil, errors.Errorf("authz [%s] %s: bad access %q", name, key.Name(), access)
			}
			rs[key.Name()] = access
		}
		rules.sections[path] = rs
	}
	return
}

func (r *Rules) member(user, group string) bool {
	for _, m := range r.groups[group] {
		if m == user {
			return true
		}
	}
	return false
}

// match finds the rule for user in one section.  A user rule beats
// a group rule, which beats *.
func (r *Rules) match(rs map[string]string, user string) (access string, ok bool) {
	if user != "" {
		if access, ok = rs[user]; ok {
			return
		}
		found := false
		for who, a := range rs {
			if strings.HasPrefix(who, "@") && r.member(user, who[1:]) {
				// any group granting more wins
				if !found || len(a) > len(access) {
					access = a
				}
				found = true
			}
		}
		if found {
			return access, true
		}
	}
	access, ok = rs["*"]
	return
}

// CanRead reports whether user may read path.  user "" is anonymous.
func (r *Rules) CanRead(user, path string) bool {
	path = pitrepo.CanonFspath(path)
	for {
		if rs, ok := r.sections[path]; ok {
			if access, ok := r.match(rs, user); ok {
				return strings.Contains(access, "r")
			}
		}
		if path == "/" {
			return false
		}
		path = pitrepo.Dirname(path)
	}
}

// ReadFunc returns the read check for user.
func (r *Rules) ReadFunc(user string) pitrepo.AuthzFunc {
	return func(path string) bool {
		ok := r.CanRead(user, path)
		if !ok {
			log.Debugf("authz: %q may not read %s", user, path)
		}
		return ok
	}
}
