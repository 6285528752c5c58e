// Package vfs provides the filesystem capability of an environment.
//
// A Root is either a Sandbox, an in-memory filesystem that dependency
// packages can be overlaid onto, or a passthrough to a host directory.
// Only sandboxed roots accept package overlays and command binaries.
//
// FileTable tracks host-side open files of an environment so that cleanup
// can close them and fork can reopen them in the child.
package vfs
