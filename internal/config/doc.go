// Package config loads telelink configuration.
//
// Configuration is read from a YAML file with ${VAR} expansion, then
// individual fields may be overridden by TELELINK_* environment variables
// (for example TELELINK_LINK_ADDRESS or TELELINK_KEEPALIVE_SEND_TIMEOUT).
// Defaults fill anything left unset before validation.
package config
