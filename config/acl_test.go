package config

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	files map[string][]string
	dirs  map[string][]string
}

func (f *fakeLoader) ReadAclFile(path string) ([]string, error) {
	lines, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("no such acl file: %s", path)
	}
	return lines, nil
}

func (f *fakeLoader) IsDir(path string) (bool, error) {
	_, ok := f.dirs[path]
	return ok, nil
}

func (f *fakeLoader) ReadDir(path string) ([]string, error) {
	names, ok := f.dirs[path]
	if !ok {
		return nil, fmt.Errorf("no such dir: %s", path)
	}
	return names, nil
}

func TestAnyuserFirstPermitsEveryone(t *testing.T) {
	e := NewEvaluator(&fakeLoader{}, nil)
	entries := []AclEntry{{Scheme: SchemePrinc, Data: "ANYUSER"}}

	v, err := e.EvaluateList(entries, "nobody@EXAMPLE.ORG")
	require.NoError(t, err)
	assert.Equal(t, Permit, v)
}

func TestPrincExactMatch(t *testing.T) {
	e := NewEvaluator(&fakeLoader{}, nil)
	entries := []AclEntry{{Scheme: SchemePrinc, Data: "alice@EXAMPLE.ORG"}}

	v, err := e.EvaluateList(entries, "alice@EXAMPLE.ORG")
	require.NoError(t, err)
	assert.Equal(t, Permit, v)

	v, err = e.EvaluateList(entries, "bob@EXAMPLE.ORG")
	require.NoError(t, err)
	assert.Equal(t, NoMatch, v)
}

func TestDenyNeverGrants(t *testing.T) {
	e := NewEvaluator(&fakeLoader{}, nil)
	entries := []AclEntry{
		{Scheme: SchemeDeny, Data: "princ:mallory@EXAMPLE.ORG"},
		{Scheme: SchemePrinc, Data: "mallory@EXAMPLE.ORG"},
	}

	v, err := e.EvaluateList(entries, "mallory@EXAMPLE.ORG")
	require.NoError(t, err)
	assert.Equal(t, Deny, v)
}

func TestDenyDenyIsAlwaysNoMatch(t *testing.T) {
	e := NewEvaluator(&fakeLoader{}, nil)
	entries := []AclEntry{
		{Scheme: SchemeDeny, Data: "deny:princ:mallory@EXAMPLE.ORG"},
	}

	v, err := e.EvaluateList(entries, "mallory@EXAMPLE.ORG")
	require.NoError(t, err)
	assert.Equal(t, NoMatch, v)
}

func TestFileSchemeRecurses(t *testing.T) {
	loader := &fakeLoader{files: map[string][]string{
		"/etc/remctl/acl/ops": {"alice@EXAMPLE.ORG", "bob@EXAMPLE.ORG"},
	}}
	e := NewEvaluator(loader, nil)
	entries := []AclEntry{{Scheme: SchemeFile, Data: "/etc/remctl/acl/ops"}}

	v, err := e.EvaluateList(entries, "bob@EXAMPLE.ORG")
	require.NoError(t, err)
	assert.Equal(t, Permit, v)
}

func TestFileSchemeDetectsRecursiveInclusion(t *testing.T) {
	loader := &fakeLoader{files: map[string][]string{
		"/etc/remctl/acl/a": {"file:/etc/remctl/acl/b"},
		"/etc/remctl/acl/b": {"file:/etc/remctl/acl/a"},
	}}
	e := NewEvaluator(loader, nil)
	entries := []AclEntry{{Scheme: SchemeFile, Data: "/etc/remctl/acl/a"}}

	_, err := e.EvaluateList(entries, "anyone")
	require.Error(t, err)
}

func TestFileSchemeDirectoryDenyWins(t *testing.T) {
	loader := &fakeLoader{
		dirs: map[string][]string{"/etc/remctl/acl.d": {"allow", "block"}},
		files: map[string][]string{
			"/etc/remctl/acl.d/allow": {"alice@EXAMPLE.ORG"},
			"/etc/remctl/acl.d/block": {"deny:princ:alice@EXAMPLE.ORG"},
		},
	}
	e := NewEvaluator(loader, nil)
	entries := []AclEntry{{Scheme: SchemeFile, Data: "/etc/remctl/acl.d"}}

	v, err := e.EvaluateList(entries, "alice@EXAMPLE.ORG")
	require.NoError(t, err)
	assert.Equal(t, Deny, v, "deny outranks permit across directory members")
}

func TestGputAbsentIsError(t *testing.T) {
	e := NewEvaluator(&fakeLoader{}, nil)
	entries := []AclEntry{{Scheme: SchemeGput, Data: "ops"}}

	_, err := e.EvaluateList(entries, "alice@EXAMPLE.ORG")
	require.Error(t, err)
}

func TestGputLookupInvoked(t *testing.T) {
	e := NewEvaluator(&fakeLoader{}, func(identity, role, transform string) (bool, error) {
		assert.Equal(t, "ops", role)
		return identity == "alice@EXAMPLE.ORG", nil
	})
	entries := []AclEntry{{Scheme: SchemeGput, Data: "ops"}}

	v, err := e.EvaluateList(entries, "alice@EXAMPLE.ORG")
	require.NoError(t, err)
	assert.Equal(t, Permit, v)
}

func TestFirstMatchWins(t *testing.T) {
	e := NewEvaluator(&fakeLoader{}, nil)
	entries := []AclEntry{
		{Scheme: SchemePrinc, Data: "bob@EXAMPLE.ORG"},
		{Scheme: SchemePrinc, Data: "alice@EXAMPLE.ORG"},
	}

	v, err := e.EvaluateList(entries, "alice@EXAMPLE.ORG")
	require.NoError(t, err)
	assert.Equal(t, Permit, v)
}

func TestNoMatchWhenNothingMatches(t *testing.T) {
	e := NewEvaluator(&fakeLoader{}, nil)
	entries := []AclEntry{{Scheme: SchemePrinc, Data: "bob@EXAMPLE.ORG"}}

	v, err := e.EvaluateList(entries, "alice@EXAMPLE.ORG")
	require.NoError(t, err)
	assert.Equal(t, NoMatch, v)
}
