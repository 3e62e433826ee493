// Package config handles configuration loading for wol-gateway.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by file extension) with
// environment variable expansion. Missing values get defaults, then the
// whole document is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path given with --config
//  2. Path from WOL_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/wol-gateway/config.yaml
//
// # Environment Variable Expansion
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	lifecycle:
//	  refresh_interval: "2s"
//	  wake_timeout: "60s"
//
// # Machines
//
// Each machine is keyed by its name:
//
//	machines:
//	  desk:
//	    ip: 192.168.1.4
//	    mac: f4:93:9f:eb:56:a8
//	    ssh_port: 22
//	    tasks:
//	      - name: Update
//	        command: [sudo, apt, upgrade, -y]
//
// user and private_key_file fall back to the ssh section when unset.
package config
