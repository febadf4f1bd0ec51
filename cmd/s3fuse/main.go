// Command s3fuse mounts an S3 bucket as a read-only filesystem whose contents are
// fetched on demand and kept in a local block cache.
package main

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/objectfs/s3fuse/pkg/errors"
)

// Set by release ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		report(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// report prints err and, for the failures it knows, a hint on how to fix them.
func report(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	var fsErr *errors.ObjectFSError
	if stderrors.As(err, &fsErr) {
		if hint := fsErr.GetRecommendation(); hint != "" {
			fmt.Fprintf(w, "Hint: %s\n", hint)
		}
	}
}

// exitCode is 2 when the mount was refused for lack of permission and 1 otherwise.
func exitCode(err error) int {
	if errors.IsPermissionDenied(err) {
		return 2
	}
	return 1
}
