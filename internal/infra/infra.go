// Package infra provides low-level runtime helpers for the commands.
package infra

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// RuntimeInfo describes the running binary.
type RuntimeInfo struct {
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	NumCPU    int    `json:"numCPU"`
}

// GetRuntimeInfo returns information about the current runtime.
func GetRuntimeInfo() RuntimeInfo {
	return RuntimeInfo{
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		NumCPU:    runtime.NumCPU(),
	}
}

func (r RuntimeInfo) String() string {
	return fmt.Sprintf("%s %s/%s", r.GoVersion, r.OS, r.Arch)
}

// IsTruthyEnv checks if an environment variable is set to a truthy value.
func IsTruthyEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes"
}

// PrintBanner writes the gateway startup banner to w. SIGHTLINE_NO_BANNER
// suppresses it.
func PrintBanner(w io.Writer, version, addr string) {
	if IsTruthyEnv("SIGHTLINE_NO_BANNER") {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Sightline - real-time assistant gateway")
	fmt.Fprintf(w, "     version: %s\n", version)
	fmt.Fprintf(w, "     runtime: %s\n", GetRuntimeInfo())
	fmt.Fprintf(w, "     listen:  %s\n", addr)
	fmt.Fprintln(w)
}
