package cmd

import (
	"fmt"
	"io"
	"runtime"

	"github.com/paulschiretz/rumar/pkg/buildinfo"
)

// RunVersion prints the application version.
func RunVersion(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s version %s (%s %s/%s)\n", buildinfo.Name, buildinfo.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return err
}
