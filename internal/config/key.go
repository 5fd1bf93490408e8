// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix OTTERSCALE_MIRROR_)
//  3. Config file (config.yaml in . or /etc/otterscale-mirror/)
//  4. Compiled defaults
package config

// Viper keys for the mirror.
const (
	keyMirrorAddress           = "mirror.address"
	keyMirrorAllowedOrigins    = "mirror.allowed_origins"
	keyMirrorKubeconfig        = "mirror.kubeconfig"
	keyMirrorResources         = "mirror.resources"
	keyMirrorNamespace         = "mirror.namespace"
	keyMirrorLabelSelector     = "mirror.label_selector"
	keyMirrorFieldSelector     = "mirror.field_selector"
	keyMirrorDeleteGracePeriod = "mirror.delete_grace_period"
	keyMirrorWatchTimeout      = "mirror.watch_timeout"
	keyMirrorBackoffBase       = "mirror.backoff.base"
	keyMirrorBackoffMax        = "mirror.backoff.max"
)

// Viper keys for logging. They are hot-reloaded from the config file.
const (
	keyLogLevel  = "log.level"
	keyLogFormat = "log.format"
)
