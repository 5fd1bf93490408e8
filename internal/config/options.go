package config

import (
	"strings"
	"time"
)

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// MirrorOptions defines the configuration entries of the serve
// command. Each entry is registered as a viper default and a CLI flag.
var MirrorOptions = []Option{
	{Key: keyMirrorAddress, Flag: toFlag(keyMirrorAddress), Default: ":8299", Description: "HTTP listen address"},
	{Key: keyMirrorAllowedOrigins, Flag: toFlag(keyMirrorAllowedOrigins), Default: []string{}, Description: "Allowed CORS origins (all when empty)"},
	{Key: keyMirrorKubeconfig, Flag: toFlag(keyMirrorKubeconfig), Default: "", Description: "Path to the kubeconfig of the mirrored cluster (in-cluster when empty)"},
	{Key: keyMirrorResources, Flag: toFlag(keyMirrorResources), Default: []string{"pods"}, Description: "Resources to mirror, e.g. pods,deployments.apps"},
	{Key: keyMirrorNamespace, Flag: toFlag(keyMirrorNamespace), Default: "", Description: "Namespace to mirror (all when empty)"},
	{Key: keyMirrorLabelSelector, Flag: toFlag(keyMirrorLabelSelector), Default: "", Description: "Label selector applied to every resource"},
	{Key: keyMirrorFieldSelector, Flag: toFlag(keyMirrorFieldSelector), Default: "", Description: "Field selector applied to every resource"},
	{Key: keyMirrorDeleteGracePeriod, Flag: toFlag(keyMirrorDeleteGracePeriod), Default: 5 * time.Second, Description: "How long a deleted object stays visible"},
	{Key: keyMirrorWatchTimeout, Flag: toFlag(keyMirrorWatchTimeout), Default: 5 * time.Minute, Description: "Server-side watch timeout hint"},
	{Key: keyMirrorBackoffBase, Flag: toFlag(keyMirrorBackoffBase), Default: 500 * time.Millisecond, Description: "Initial retry backoff"},
	{Key: keyMirrorBackoffMax, Flag: toFlag(keyMirrorBackoffMax), Default: 30 * time.Second, Description: "Maximum retry backoff"},
}

// LogOptions defines the logging entries shared by every command.
var LogOptions = []Option{
	{Key: keyLogLevel, Flag: toFlag(keyLogLevel), Default: "info", Description: "Log level (debug, info, warn, error)"},
	{Key: keyLogFormat, Flag: toFlag(keyLogFormat), Default: "text", Description: "Log format (text, json)"},
}

// toFlag converts a viper key like "mirror.backoff.base" into a CLI
// flag like "backoff-base" by lower-casing, replacing dots and
// underscores with hyphens, and stripping the "mirror-" prefix.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	flag = strings.TrimPrefix(flag, "mirror-")
	return flag
}
