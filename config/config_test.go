package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestLoadBasicRule(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "remctl.conf")
	writeFile(t, p, "test test /bin/echo ANYUSER\n")

	cfg, err := Load(p)
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 1)

	r := cfg.Rules[0]
	assert.Equal(t, "test", r.Command)
	assert.Equal(t, "test", r.Subcommand)
	assert.Equal(t, "/bin/echo", r.Program)
	require.Len(t, r.Acls, 1)
	assert.Equal(t, "ANYUSER", r.Acls[0].Data)
}

func TestLoadSkipsCommentsAndBlankLines(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "remctl.conf")
	writeFile(t, p, "# a comment\n\ntest test /bin/echo ANYUSER\n# trailing\n")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Len(t, cfg.Rules, 1)
}

func TestLoadBackslashContinuation(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "remctl.conf")
	writeFile(t, p, "test test /bin/echo \\\n  princ:alice@EXAMPLE.ORG\n")

	cfg, err := Load(p)
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "alice@EXAMPLE.ORG", cfg.Rules[0].Acls[0].Data)
}

func TestLoadOptions(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "remctl.conf")
	writeFile(t, p, "test stdin /bin/cat logmask=2,3 stdin=last ANYUSER\n")

	cfg, err := Load(p)
	require.NoError(t, err)
	r := cfg.Rules[0]
	assert.Equal(t, []int{2, 3}, r.LogMask)
	assert.True(t, r.StdinArg.Set)
	assert.True(t, r.StdinArg.Last)
}

func TestLoadIncludeFile(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "extra.conf")
	writeFile(t, sub, "extra cmd /bin/true ANYUSER\n")

	main := filepath.Join(dir, "remctl.conf")
	writeFile(t, main, "test test /bin/echo ANYUSER\ninclude extra.conf\n")

	cfg, err := Load(main)
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, "extra", cfg.Rules[1].Command)
}

func TestLoadIncludeDirectory(t *testing.T) {
	dir := t.TempDir()
	incDir := filepath.Join(dir, "rules.d")
	require.NoError(t, os.Mkdir(incDir, 0o755))
	writeFile(t, filepath.Join(incDir, "a"), "a cmd /bin/true ANYUSER\n")
	writeFile(t, filepath.Join(incDir, "b"), "b cmd /bin/true ANYUSER\n")
	writeFile(t, filepath.Join(incDir, "skip.me"), "ignored cmd /bin/true ANYUSER\n")

	main := filepath.Join(dir, "remctl.conf")
	writeFile(t, main, "include rules.d\n")

	cfg, err := Load(main)
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, "a", cfg.Rules[0].Command)
	assert.Equal(t, "b", cfg.Rules[1].Command)
}

func TestLoadRejectsRecursiveInclude(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "remctl.conf")
	writeFile(t, p, "include remctl.conf\n")

	_, err := Load(p)
	require.Error(t, err)
}

func TestLookupMatchesLiteralThenWildcard(t *testing.T) {
	cfg := &Config{Rules: []Rule{
		{Command: "test", Subcommand: "specific", Program: "/bin/true"},
		{Command: "test", Subcommand: "ALL", Program: "/bin/false"},
	}}

	r, err := cfg.Lookup("test", "specific")
	require.NoError(t, err)
	assert.Equal(t, "/bin/true", r.Program)

	r, err = cfg.Lookup("test", "other")
	require.NoError(t, err)
	assert.Equal(t, "/bin/false", r.Program)
}

func TestLookupUnknownCommand(t *testing.T) {
	cfg := &Config{}
	_, err := cfg.Lookup("nope", "nope")
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestLookupEarlierRuleWins(t *testing.T) {
	cfg := &Config{Rules: []Rule{
		{Command: "test", Subcommand: "ALL", Program: "/bin/false"},
		{Command: "test", Subcommand: "specific", Program: "/bin/true"},
	}}

	r, err := cfg.Lookup("test", "specific")
	require.NoError(t, err)
	assert.Equal(t, "/bin/false", r.Program, "ALL wildcard declared first must win")
}

func TestMaskedArgsRedactsLogmaskPositions(t *testing.T) {
	r := Rule{LogMask: []int{1}}
	args := [][]byte{[]byte("test"), []byte("sub"), []byte("secret"), []byte("other")}

	masked := r.MaskedArgs(args)
	assert.Equal(t, []string{"test", "sub", "**MASKED**", "other"}, masked)
}

func TestMaskedArgsIgnoresOutOfRangeIndex(t *testing.T) {
	r := Rule{LogMask: []int{99}}
	args := [][]byte{[]byte("test"), []byte("sub"), []byte("value")}

	masked := r.MaskedArgs(args)
	assert.Equal(t, []string{"test", "sub", "value"}, masked)
}
