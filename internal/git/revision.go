package git

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Latest is the selector for the highest semantic version tag
const Latest = "latest"

// Ref is a named reference advertised by a remote
type Ref struct {
	Name string
	Hash string
}

// errNeedsObjectLookup signals that a selector matched no ref but may be an abbreviated commit id
var errNeedsObjectLookup = errors.New("selector needs object lookup")

// ValidateSelector rejects selectors that cannot name a revision
func ValidateSelector(selector string) error {
	if strings.ContainsAny(selector, "\t\n\b") {
		return fmt.Errorf("invalid revision %q: contains control characters", selector)
	}
	if strings.HasPrefix(selector, "-") {
		return fmt.Errorf("invalid revision %q: must not start with a dash", selector)
	}
	return nil
}

// IsCommitID reports whether s is a full SHA-1 or SHA-256 object id
func IsCommitID(s string) bool {
	return (len(s) == 40 || len(s) == 64) && isHex(s)
}

func isAbbrevCommitID(s string) bool {
	return len(s) >= 4 && len(s) < 40 && isHex(s)
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return s != ""
}

// parseLsRemote parses the output of git ls-remote
func parseLsRemote(output string) []Ref {
	var refs []Ref
	for _, line := range strings.Split(output, "\n") {
		hash, name, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok || !IsCommitID(hash) {
			continue
		}
		refs = append(refs, Ref{Name: strings.TrimSpace(name), Hash: strings.ToLower(hash)})
	}
	return refs
}

// pickRef resolves selector against the advertised refs of a remote.
// Candidates are tried as an exact ref name, then as a tag, then as a branch.
// A tag and a branch of the same name pointing at different commits is ambiguous.
func pickRef(refs []Ref, selector string) (string, error) {
	// Peeled entries ("^{}") carry the commit an annotated tag points to
	byName := make(map[string]string, len(refs))
	for _, r := range refs {
		if name, peeled := strings.CutSuffix(r.Name, "^{}"); peeled {
			byName[name] = r.Hash
			continue
		}
		if _, seen := byName[r.Name]; !seen {
			byName[r.Name] = r.Hash
		}
	}

	if selector == "" {
		selector = "HEAD"
	}
	if selector == Latest {
		if _, exists := byName["refs/tags/"+Latest]; !exists {
			return latestTag(byName)
		}
	}

	if hash, ok := byName[selector]; ok {
		return hash, nil
	}

	tag, isTag := byName["refs/tags/"+selector]
	branch, isBranch := byName["refs/heads/"+selector]
	switch {
	case isTag && isBranch && tag != branch:
		return "", fmt.Errorf("%w: %q names both a tag (%s) and a branch (%s)", ErrAmbiguousRevision, selector, tag[:12], branch[:12])
	case isTag:
		return tag, nil
	case isBranch:
		return branch, nil
	}

	if isAbbrevCommitID(selector) {
		return "", errNeedsObjectLookup
	}
	return "", fmt.Errorf("%w: %q", ErrRevisionNotFound, selector)
}

// latestTag returns the commit of the highest semantic version tag.
// Pre-releases are only considered when no release exists. Tags that name the
// same version with and without a "v" prefix resolve to the prefixed one.
func latestTag(byName map[string]string) (string, error) {
	var best, bestPre candidate
	for name, hash := range byName {
		tag, ok := strings.CutPrefix(name, "refs/tags/")
		if !ok {
			continue
		}
		c := candidate{tag: tag, version: tag, hash: hash}
		if !strings.HasPrefix(c.version, "v") {
			c.version = "v" + c.version
		}
		if !semver.IsValid(c.version) {
			continue
		}
		if semver.Prerelease(c.version) != "" {
			bestPre = bestPre.pick(c)
			continue
		}
		best = best.pick(c)
	}

	switch {
	case best.tag != "":
		return best.hash, nil
	case bestPre.tag != "":
		return bestPre.hash, nil
	}
	return "", fmt.Errorf("%w: no semantic version tags found for %q", ErrRevisionNotFound, Latest)
}

type candidate struct {
	tag     string
	version string
	hash    string
}

// pick returns the higher of b and c, breaking version ties by tag name
func (b candidate) pick(c candidate) candidate {
	if b.tag == "" {
		return c
	}
	switch cmp := semver.Compare(c.version, b.version); {
	case cmp > 0:
		return c
	case cmp < 0:
		return b
	}
	// Same version: "v1.0.0" beats "1.0.0", and build metadata is ordered by name
	cv, bv := strings.HasPrefix(c.tag, "v"), strings.HasPrefix(b.tag, "v")
	if cv != bv {
		if cv {
			return c
		}
		return b
	}
	if c.tag < b.tag {
		return c
	}
	return b
}
