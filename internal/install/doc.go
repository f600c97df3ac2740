// Package install swaps a server's mods/ and config/ directories for the
// contents of a server-pack archive.
//
// Local entries matching a directory's allow-list are carried over and take
// precedence over shipped files of the same name; everything else in the
// managed directories is replaced. The swap is staged on the same filesystem
// and journaled so a failed install leaves the previous directories in place.
package install
