package remotetest

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
)

func blobHash(content []byte) string {
	sum := sha256.Sum256(append([]byte("blob "+strconv.Itoa(len(content))+"\x00"), content...))
	return hex.EncodeToString(sum[:])
}

func treeHash(entries map[string]string) string {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	var b strings.Builder
	b.WriteString("tree\n")
	for _, p := range paths {
		b.WriteString(p)
		b.WriteByte(' ')
		b.WriteString(entries[p])
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func commitHash(tree, parent, message string, seq int) string {
	payload := strings.Join([]string{
		"commit",
		tree,
		parent,
		message,
		strconv.Itoa(seq),
	}, "\n")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
