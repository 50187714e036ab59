//go:build !linux
// +build !linux

package util

// LinkOperState always returns LinkStateUnknown, team links are linux only
func LinkOperState(name string) string {
	return LinkStateUnknown
}
