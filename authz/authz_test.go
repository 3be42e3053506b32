package authz

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/pkg/errors"
	"github.com/t7a/pitrepo"
)

const rulesText = `
[groups]
devs = alice, bob

[/]
* = r

[/secret]
* =
@devs = r
carol = rw

[/secret/plans]
bob =

[/public/hidden]
* =
`

func TestCanRead(t *testing.T) {
	rules, err := Parse([]byte(rulesText))
	assert.Equal(t, err, nil)

	type row struct {
		user, path string
		ok         bool
	}
	table := []row{
		{"", "/", true},
		{"", "/trunk/a", true},
		{"", "/secret", false},
		{"", "/secret/x", false},
		{"alice", "/secret/x", true},
		{"bob", "/secret/x", true},
		{"carol", "/secret", true},
		{"dave", "/secret", false},
		// the longest section with a rule for the user decides
		{"bob", "/secret/plans", false},
		{"bob", "/secret/plans/q3", false},
		{"alice", "/secret/plans/q3", true},
		{"alice", "/public", true},
		{"alice", "/public/hidden/x", false},
		{"alice", "/publicity", true},
		// path forms
		{"", "trunk//a/", true},
		{"", "/secret/../trunk", true},
	}
	for _, r := range table {
		assert.Equal(t, rules.CanRead(r.user, r.path), r.ok)
		assert.Equal(t, rules.ReadFunc(r.user)(r.path), r.ok)
	}
}

func TestDefaultDeny(t *testing.T) {
	rules, err := Parse([]byte("[/trunk]\nalice = r\n"))
	assert.Equal(t, err, nil)
	assert.Equal(t, rules.CanRead("alice", "/trunk/x"), true)
	assert.Equal(t, rules.CanRead("alice", "/"), false)
	assert.Equal(t, rules.CanRead("bob", "/trunk"), false)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authz")
	err := os.WriteFile(path, []byte(rulesText), 0644)
	assert.Equal(t, err, nil)
	rules, err := Load(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, rules.CanRead("carol", "/secret/plans"), true)

	_, err = Load(filepath.Join(t.TempDir(), "missing"))
	assert.NotEqual(t, err, nil)
}

func TestBadRules(t *testing.T) {
	_, err := Parse([]byte("[trunk]\n* = r\n"))
	assert.Equal(t, errors.Cause(err), pitrepo.ErrPathSyntax)

	_, err = Parse([]byte("[/]\n* = x\n"))
	assert.NotEqual(t, err, nil)

	_, err = Parse([]byte("* = r\n"))
	assert.NotEqual(t, err, nil)
}
