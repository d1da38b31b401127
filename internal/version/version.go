package version

import (
	"fmt"
	"log"
	"runtime"
)

var (
	Name        = "caravel"
	Description = "Multi-tenant admission gateway for LLM inference backends"
	Version     = "v0.1.0"
	Commit      = "none"
	Date        = "nowish"
)

func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	vlog.Printf("%s %s", Name, Version)
	if extendedInfo {
		vlog.Printf("  commit:  %s", Commit)
		vlog.Printf("  built:   %s", Date)
		vlog.Printf("  runtime: %s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	}
}

func String() string {
	return fmt.Sprintf("%s %s (%s)", Name, Version, Commit)
}
