//go:build !linux && !darwin

package volume

import "fmt"

func statfsUsage(path string) (Usage, error) {
	return Usage{}, fmt.Errorf("capacity query for %q is unsupported on this platform", path)
}
