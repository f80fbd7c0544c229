package version

import (
	"fmt"
	"runtime"
)

// set by -ldflags "-X kubegems.io/deployx/pkg/version.gitVersion=..."
var (
	gitVersion = "v0.0.0-dev"
	gitCommit  = ""
	buildDate  = "1970-01-01T00:00:00Z"
)

type Version struct {
	GitVersion string `json:"gitVersion"`
	GitCommit  string `json:"gitCommit"`
	BuildDate  string `json:"buildDate"`
	GoVersion  string `json:"goVersion"`
	Compiler   string `json:"compiler"`
	Platform   string `json:"platform"`
}

func (v Version) String() string {
	if v.GitCommit == "" {
		return v.GitVersion
	}
	return fmt.Sprintf("%s (%s, built %s)", v.GitVersion, v.GitCommit, v.BuildDate)
}

func Get() Version {
	return Version{
		GitVersion: gitVersion,
		GitCommit:  gitCommit,
		BuildDate:  buildDate,
		GoVersion:  runtime.Version(),
		Compiler:   runtime.Compiler,
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// UserAgent is sent by the registry client on every request.
func UserAgent() string {
	return "deployx/" + gitVersion
}
