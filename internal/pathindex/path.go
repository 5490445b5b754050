package pathindex

import "strings"

// Root is the working-tree root. It always exists and is never stored.
const Root = "./"

// IsDirPath reports whether p is in directory format: "./" prefix and "/"
// suffix.
func IsDirPath(p string) bool {
	return strings.HasPrefix(p, Root) && strings.HasSuffix(p, "/")
}

// IsFilePath reports whether p is in file format: "./" prefix, no trailing
// slash, and a non-empty name.
func IsFilePath(p string) bool {
	return strings.HasPrefix(p, Root) && len(p) > len(Root) && !strings.HasSuffix(p, "/") &&
		!strings.Contains(p, "//")
}

// Parent returns the directory containing p, in directory format.
// Parent("./a/b.txt") == "./a/", Parent("./a/b/") == "./a/", Parent("./x") == "./".
func Parent(p string) string {
	trimmed := strings.TrimSuffix(p, "/")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 {
		return Root
	}
	return trimmed[:i+1]
}

// ChildPath constructs a child path from a directory path and a name.
func ChildPath(dir, name string, isDir bool) string {
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	p := dir + name
	if isDir {
		p += "/"
	}
	return p
}

// Rebase replaces the leading oldPrefix of p with newPrefix.
func Rebase(p, oldPrefix, newPrefix string) string {
	if !strings.HasPrefix(p, oldPrefix) {
		return p
	}
	return newPrefix + p[len(oldPrefix):]
}

// ancestors returns the directory ancestors of p from nearest to furthest,
// excluding Root.
func ancestors(p string) []string {
	var out []string
	for dir := Parent(p); dir != Root; dir = Parent(dir) {
		out = append(out, dir)
	}
	return out
}
