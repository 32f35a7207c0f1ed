package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Constant 1, labelled with the running broker build.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo publishes build_info. An empty or "dev" commit is replaced by
// the VCS revision stamped into the binary, when there is one.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, resolveCommit(commit, debug.ReadBuildInfo), runtime.Version()).Set(1)
}

func resolveCommit(commit string, read func() (*debug.BuildInfo, bool)) string {
	if commit != "" && commit != "dev" {
		return commit
	}
	if info, ok := read(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				if len(s.Value) > 12 {
					return s.Value[:12]
				}
				return s.Value
			}
		}
	}
	if commit == "" {
		return "unknown"
	}
	return commit
}
