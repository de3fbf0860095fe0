// Package config provides the taskpipe runtime configuration.
//
// Settings come from three layers, higher layers overriding lower:
//
//	┌─────────────────────────────┐
//	│  3. Environment Variables   │  ← TASKPIPE_QUEUE_WORKERS=8
//	├─────────────────────────────┤
//	│  2. Config File             │  ← taskpipe.toml
//	├─────────────────────────────┤
//	│  1. Built-in Defaults       │
//	└─────────────────────────────┘
//
// A file looks like:
//
//	[queue]
//	workers = 4
//	max_pending = 64
//
//	[process]
//	kill_grace = "5s"
//
//	[shutdown]
//	timeout = "10s"
//
//	[log]
//	level = "info"
//	development = false
//
// An environment variable TASKPIPE_<SECTION>_<KEY> sets section.key, so
// TASKPIPE_PROCESS_KILL_GRACE=1s sets process.kill_grace.
//
// # Sub-packages
//
//   - loader: TOML file and environment variable loading
package config
