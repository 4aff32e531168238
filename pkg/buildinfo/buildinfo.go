// Package buildinfo reports the version stamped into the freightdesk binary.
package buildinfo

import (
	"encoding/json"
	"net/http"
	"runtime"
)

// These vars are set at build time via ldflags:
// -X github.com/otherjamesbrown/freightdesk/pkg/buildinfo.Version=v0.3.0
// -X github.com/otherjamesbrown/freightdesk/pkg/buildinfo.Commit=4f1c2ab
// -X github.com/otherjamesbrown/freightdesk/pkg/buildinfo.BuildTime=2026-02-07T10:30:00Z
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info holds build information for a binary, plus the rulebook it is
// running when known.
type Info struct {
	ServiceName  string `json:"service_name" yaml:"service_name"`
	Version      string `json:"version" yaml:"version"`
	Commit       string `json:"commit" yaml:"commit"`
	BuildTime    string `json:"build_time" yaml:"build_time"`
	GoVersion    string `json:"go_version" yaml:"go_version"`
	RulesVersion string `json:"rules_version,omitempty" yaml:"rules_version,omitempty"`
}

// Get returns build info for the named service.
func Get(serviceName string) Info {
	return Info{
		ServiceName: serviceName,
		Version:     Version,
		Commit:      Commit,
		BuildTime:   BuildTime,
		GoVersion:   runtime.Version(),
	}
}

// WithRules returns build info carrying the given rulebook version.
func WithRules(serviceName, rulesVersion string) Info {
	info := Get(serviceName)
	info.RulesVersion = rulesVersion
	return info
}

// String returns a human-readable one-liner like "v0.3.0 (4f1c2ab, 2026-02-07T10:30:00Z)"
func String() string {
	return Version + " (" + Commit + ", " + BuildTime + ")"
}

// Handler returns an HTTP handler that responds with build info JSON.
// rulesVersion is called per request so a hot-reloaded rulebook shows up;
// it may be nil.
func Handler(serviceName string, rulesVersion func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := Get(serviceName)
		if rulesVersion != nil {
			info.RulesVersion = rulesVersion()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	}
}
