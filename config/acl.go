package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// AclScheme is the tag half of an AclEntry's tagged-variant encoding
// (spec §9's "polymorphism via function pointers" translated to Go).
type AclScheme int

const (
	SchemePrinc AclScheme = iota
	SchemeFile
	SchemeDeny
	SchemeGput
)

func (s AclScheme) String() string {
	switch s {
	case SchemePrinc:
		return "princ"
	case SchemeFile:
		return "file"
	case SchemeDeny:
		return "deny"
	case SchemeGput:
		return "gput"
	default:
		return "unknown"
	}
}

// AclEntry is one authorization clause attached to a Rule or appearing
// as a line of an ACL file.
type AclEntry struct {
	Scheme AclScheme
	Data   string
}

// Verdict is the four-valued outcome of evaluating a single ACL entry
// or an entire ACL list.
type Verdict int

const (
	NoMatch Verdict = iota
	Permit
	Deny
	ErrorVerdict
)

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// parseAclLine parses one token from a rule's inline ACL list or one
// line of an ACL file into an AclEntry, applying the scheme-dependent
// default from spec §4.5.
func parseAclLine(raw string, defaultScheme AclScheme) (AclEntry, error) {
	if raw == "ANYUSER" {
		return AclEntry{Scheme: SchemePrinc, Data: "ANYUSER"}, nil
	}

	scheme, data, hasColon := strings.Cut(raw, ":")
	if !hasColon {
		return AclEntry{Scheme: defaultScheme, Data: raw}, nil
	}

	switch scheme {
	case "princ":
		return AclEntry{Scheme: SchemePrinc, Data: data}, nil
	case "file":
		return AclEntry{Scheme: SchemeFile, Data: data}, nil
	case "deny":
		return AclEntry{Scheme: SchemeDeny, Data: data}, nil
	case "gput":
		return AclEntry{Scheme: SchemeGput, Data: data}, nil
	default:
		// No recognized scheme prefix: treat the whole token literally
		// under the caller's default (a bare princ name may itself
		// contain a colon, e.g. a Kerberos instance separator).
		return AclEntry{Scheme: defaultScheme, Data: raw}, nil
	}
}

// Evaluator resolves ACL entries against an authenticated identity,
// recursively loading `file:` targets through a FileLoader and bounding
// recursion with an explicit include-stack (spec §9).
type Evaluator struct {
	loader FileLoader
	stack  map[string]bool
	gput   GroupLookup
}

// FileLoader reads the lines of an ACL file or directory member.
type FileLoader interface {
	ReadAclFile(path string) ([]string, error)
	IsDir(path string) (bool, error)
	ReadDir(path string) ([]string, error)
}

// GroupLookup resolves a gput:role[transform] membership check. Absent
// (nil), every gput entry evaluates to ErrorVerdict per spec §4.5.
type GroupLookup func(identity, role, transform string) (bool, error)

func NewEvaluator(loader FileLoader, gput GroupLookup) *Evaluator {
	return &Evaluator{loader: loader, stack: map[string]bool{}, gput: gput}
}

// EvaluateList scans an ordered ACL list top-to-bottom; the first
// Permit/Deny/ErrorVerdict wins, NoMatch advances to the next entry.
func (e *Evaluator) EvaluateList(entries []AclEntry, identity string) (Verdict, error) {
	for i, ent := range entries {
		if i == 0 && ent.Scheme == SchemePrinc && ent.Data == "ANYUSER" {
			return Permit, nil
		}

		v, err := e.evaluateEntry(ent, identity)
		if err != nil {
			return ErrorVerdict, err
		}
		if v != NoMatch {
			return v, nil
		}
	}
	return NoMatch, nil
}

func (e *Evaluator) evaluateEntry(ent AclEntry, identity string) (Verdict, error) {
	switch ent.Scheme {
	case SchemePrinc:
		if ent.Data == "ANYUSER" || ent.Data == identity {
			return Permit, nil
		}
		return NoMatch, nil

	case SchemeFile:
		return e.evaluateFile(ent.Data, identity)

	case SchemeDeny:
		nested, err := parseAclLine(ent.Data, SchemePrinc)
		if err != nil {
			return ErrorVerdict, err
		}
		v, err := e.evaluateEntry(nested, identity)
		if err != nil {
			return ErrorVerdict, err
		}
		switch v {
		case Permit:
			return Deny, nil
		default:
			// Deny and NoMatch both collapse to NoMatch: a deny can
			// never itself grant, so deny:deny:X is always no-match.
			return NoMatch, nil
		}

	case SchemeGput:
		if e.gput == nil {
			return ErrorVerdict, fmt.Errorf("config: gput ACL scheme not configured")
		}
		role, transform, _ := strings.Cut(ent.Data, "[")
		transform = strings.TrimSuffix(transform, "]")
		ok, err := e.gput(identity, role, transform)
		if err != nil {
			return ErrorVerdict, err
		}
		if ok {
			return Permit, nil
		}
		return NoMatch, nil

	default:
		return ErrorVerdict, fmt.Errorf("config: unknown ACL scheme %v", ent.Scheme)
	}
}

func (e *Evaluator) evaluateFile(path string, identity string) (Verdict, error) {
	abs := filepath.Clean(path)
	if e.stack[abs] {
		return ErrorVerdict, fmt.Errorf("config: recursive ACL file inclusion: %s", abs)
	}
	e.stack[abs] = true
	defer delete(e.stack, abs)

	isDir, err := e.loader.IsDir(abs)
	if err != nil {
		return ErrorVerdict, err
	}

	if isDir {
		names, err := e.loader.ReadDir(abs)
		if err != nil {
			return ErrorVerdict, err
		}
		strongest := NoMatch
		for _, name := range names {
			if !nameRE.MatchString(name) {
				continue
			}
			v, err := e.evaluateFile(filepath.Join(abs, name), identity)
			if err != nil {
				return ErrorVerdict, err
			}
			strongest = strongerOf(strongest, v)
		}
		return strongest, nil
	}

	lines, err := e.loader.ReadAclFile(abs)
	if err != nil {
		return ErrorVerdict, err
	}

	entries := make([]AclEntry, 0, len(lines))
	for _, line := range lines {
		if target, ok := strings.CutPrefix(line, "include "); ok {
			target = strings.TrimSpace(target)
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(abs), target)
			}
			entries = append(entries, AclEntry{Scheme: SchemeFile, Data: target})
			continue
		}
		ent, err := parseAclLine(line, SchemePrinc)
		if err != nil {
			return ErrorVerdict, err
		}
		entries = append(entries, ent)
	}
	return e.EvaluateList(entries, identity)
}

// strongerOf implements the deny > permit > no-match ordering used when
// folding a directory's member-file results together.
func strongerOf(a, b Verdict) Verdict {
	rank := func(v Verdict) int {
		switch v {
		case Deny:
			return 3
		case Permit:
			return 2
		default:
			return 1
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
