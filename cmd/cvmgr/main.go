// cvmgr is the orchestration daemon for the community GIS backend. It
// supervises the search and tile services, runs the daily data-refresh
// pipeline and monitors overall health.
package main

import (
	"fmt"
	"os"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
