// Package registry defines dependency packages and the sources they are
// fetched from.
//
// A package is a directory with a package.toml manifest:
//
//	[package]
//	name = "dash"
//	version = "1.0.0"
//	entry = "dash"
//
//	[dependencies]
//	coreutils = "1.0.0"
//
//	[[command]]
//	name = "dash"
//	module = "bin/dash.wasm"
//
//	[fs]
//	"/etc" = "etc"
//
// Commands become /bin/<name> in a sandbox; [fs] maps guest directories to
// directories inside the package. DirSource serves packages from a local
// tree, HTTPSource downloads zstd-compressed tarballs of the same layout.
package registry
