// Package config handles configuration loading for keymux.
//
// # Overview
//
// Configuration is loaded from TOML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from KEYMUX_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/keymux/keymux.toml
//  3. ~/.config/keymux/keymux.toml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	[[agents]]
//	name = "gpg"
//	socket_path = "${GPG_AGENT_SOCK}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Top-level settings:
//
//	listen_path = "~/.local/state/keymux/agent.sock"
//	agent_timeout = "5s"          # Go duration syntax
//	add_new_keys_to = "secretive" # agent receiving ssh-add'ed keys
//
// Upstream agents, in priority order (earlier wins duplicate keys):
//
//	[[agents]]
//	name = "secretive"
//	socket_path = "~/Library/secretive/agent.sock"
//
//	[[agents]]
//	name = "onepassword"
//	socket_path = "~/.1password/agent.sock"
//	enabled = false
//
// Logging:
//
//	[logging]
//	level = "info"   # debug, info, warn, error
//	format = "text"  # text, json
//
// Signing audit log:
//
//	[audit]
//	enabled = true
//	path = "~/.local/state/keymux/audit.db"
//
// # Validation
//
// Load() validates:
//
//   - Agent names are non-empty and unique
//   - Every agent has a socket path
//   - add_new_keys_to names an enabled agent
//   - Duration format validity
//   - audit.path is set when the audit log is enabled
package config
