// Package config provides XDG path resolution, process-level server
// configuration (port, data directory, log level, bound from HAPI_*
// environment variables via viper), and the hub's persisted settings.json
// (generated secrets and UI flags).
//
// Secrets (cliApiToken, relayAuthKey) follow env > settings-file >
// auto-generate precedence: an environment variable always wins, a value
// already on disk is reused, and a fresh one is generated and persisted
// only if neither is present.
package config
