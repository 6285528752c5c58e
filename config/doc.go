// Package config loads the wasix runtime configuration from TOML.
//
// A file only needs the keys it changes; everything else keeps the value
// from Default. Unknown keys are rejected so typos do not silently fall back
// to defaults:
//
//	[cache]
//	compiled_dir = "~/.wasix/compiled"
//	shared = true
//	package_ttl = "30s"
//
//	[registry]
//	url = "https://registry.example.com"
//	timeout = "10s"
//
//	[engine]
//	memory_limit_pages = 1024
//	threads = true
//
//	[control_plane]
//	max_tasks = 256
//
//	[log]
//	level = "debug"
package config
