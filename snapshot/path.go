package snapshot

import (
	"fmt"
	"strconv"
	"strings"
)

// RootPath addresses the snapshot root node.
const RootPath = "root"

// ParsePath splits a positional path into child indices. "root" yields an
// empty slice, "root/1/0" yields [1 0]. Indices are element-child positions.
func ParsePath(path string) ([]int, error) {
	if path == RootPath {
		return nil, nil
	}
	rest, ok := strings.CutPrefix(path, RootPath+"/")
	if !ok || rest == "" {
		return nil, fmt.Errorf("snapshot: invalid path %q", path)
	}
	parts := strings.Split(rest, "/")
	indices := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || (len(p) > 1 && p[0] == '0') {
			return nil, fmt.Errorf("snapshot: invalid path %q: segment %q", path, p)
		}
		indices[i] = n
	}
	return indices, nil
}

// JoinPath builds a path from child indices. An empty slice yields "root".
func JoinPath(indices []int) string {
	if len(indices) == 0 {
		return RootPath
	}
	var sb strings.Builder
	sb.WriteString(RootPath)
	for _, n := range indices {
		sb.WriteByte('/')
		sb.WriteString(strconv.Itoa(n))
	}
	return sb.String()
}

// ChildPath appends one index to a parent path.
func ChildPath(parent string, index int) string {
	return parent + "/" + strconv.Itoa(index)
}

// ParentPath returns the parent of path and true, or ("", false) for "root".
func ParentPath(path string) (string, bool) {
	if path == RootPath {
		return "", false
	}
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", false
	}
	return path[:i], true
}

// PathDepth returns the number of indices in path: 0 for "root".
func PathDepth(path string) int {
	if path == RootPath {
		return 0
	}
	return strings.Count(path, "/")
}

// IsAncestorPath reports whether anc strictly contains desc.
// "root" is an ancestor of everything but itself.
func IsAncestorPath(anc, desc string) bool {
	if anc == desc {
		return false
	}
	return strings.HasPrefix(desc, anc+"/")
}

// PathPrefixes returns every ancestor-or-self path of path, shortest first:
// for "root/1/0" that is ["root", "root/1", "root/1/0"].
func PathPrefixes(path string) ([]string, error) {
	indices, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(indices)+1)
	out = append(out, RootPath)
	for i := range indices {
		out = append(out, JoinPath(indices[:i+1]))
	}
	return out, nil
}
