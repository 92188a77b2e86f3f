// internal/web/version.go - Build identification
package web

import (
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/gin-gonic/gin"
)

// Set at link time via:
//
//	-ldflags "-X fleetwatch/internal/web.Version=v1.2.0 \
//	          -X fleetwatch/internal/web.GitCommit=$(git rev-parse --short HEAD) \
//	          -X fleetwatch/internal/web.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type VersionInfo struct {
	Version   string      `json:"version"`
	GitCommit string      `json:"git_commit"`
	BuildTime string      `json:"build_time"`
	GoVersion string      `json:"go_version"`
	Platform  string      `json:"platform"`
	Modules   []ModuleRef `json:"modules,omitempty"`
}

type ModuleRef struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// GET /api/version
func (s *Server) getVersion(c *gin.Context) {
	info := VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	if build, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range build.Deps {
			info.Modules = append(info.Modules, ModuleRef{Path: dep.Path, Version: dep.Version})
		}
	}

	c.JSON(http.StatusOK, gin.H{"data": info})
}
