// Package version reports build identity, set at build time via -ldflags
// or falling back to embedded VCS metadata.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	// -X github.com/aipipe/gateway/internal/version.Version=vX.Y.Z
	// -X github.com/aipipe/gateway/internal/version.Commit=<sha>
	// -X github.com/aipipe/gateway/internal/version.Date=<rfc3339>
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Info is the resolved build identity.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
}

// Current resolves Info from ldflags, falling back to embedded VCS info.
func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = strings.TrimSpace(s.Value)
				}
			case "vcs.time":
				if info.Date == "" {
					info.Date = strings.TrimSpace(s.Value)
				}
			}
		}
	}
	return info
}

// Detailed renders a human-readable version line for a named component.
func Detailed(component string) string {
	v := Current()
	if strings.TrimSpace(component) == "" {
		component = "gateway"
	}
	out := fmt.Sprintf("%s %s", component, v.Version)
	if v.Commit != "" {
		short := v.Commit
		if len(short) > 12 {
			short = short[:12]
		}
		out += "+" + short
	}
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}
