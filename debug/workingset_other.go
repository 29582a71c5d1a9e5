//go:build !windows

package debug

import "errors"

var errNoWorkingSet = errors.New("working set metrics unavailable on this platform")

func workingSet() (uint64, error) {
	return 0, errNoWorkingSet
}
