package post

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Diff returns a unified diff from the remote copy of a post to the locally
// rendered one. An empty string means the two are identical.
func Diff(remote, local, remoteName, localName string) string {
	if remote == local {
		return ""
	}

	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(remote),
		B:        difflib.SplitLines(local),
		FromFile: remoteName,
		ToFile:   localName,
		Context:  3,
	}

	res, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return strings.TrimSpace(local)
	}

	return strings.TrimSpace(res)
}
