// Package version reports build metadata for the stagee binary.
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Set at build time with -ldflags "-X github.com/teranos/stagee/version.Version=v1.2.0" and friends.
var (
	Version    = "dev"
	CommitHash = "dev"
	BuildTime  = "unknown"
)

// Info describes the running binary. Schema is filled in by callers that know
// the database layer.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Schema    string `json:"schema,omitempty"`
}

// Get returns the build information of this binary.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    CommitHash,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Released reports whether the binary was built from a tagged version.
func (i Info) Released() bool {
	return i.Version != "" && i.Version != "dev"
}

// ShortCommit is the commit hash cut to seven characters.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 7 {
		return i.Commit[:7]
	}
	return i.Commit
}

func (i Info) String() string {
	var b strings.Builder
	b.WriteString("stagee ")
	if i.Released() {
		b.WriteString(i.Version)
	} else {
		b.WriteString("dev")
	}
	fmt.Fprintf(&b, " (commit %s, built %s", i.ShortCommit(), i.BuildTime)
	if i.Schema != "" {
		fmt.Fprintf(&b, ", schema %s", i.Schema)
	}
	b.WriteString(")")
	return b.String()
}
