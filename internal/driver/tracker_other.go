//go:build !windows

package driver

// NewBuildTrackerGuard is a no-op outside Windows: FileTracker detours
// are an MSBuild-specific mechanism with no analogue on other
// platforms (original_source/src/sys/filetracker.hpp's non-Windows
// branch is likewise empty).
func NewBuildTrackerGuard() func() {
	return func() {}
}
