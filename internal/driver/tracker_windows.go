//go:build windows

package driver

import "syscall"

// NewBuildTrackerGuard suspends MSBuild's FileTracker detours for the
// duration of one driven invocation and resumes them on release,
// grounded on original_source/src/sys/filetracker.cpp's suspend/resume
// pair: a cache hit that replays files without going through the real
// CreateFile/CopyFile APIs would otherwise be invisible to FileTracker,
// breaking incremental dependency tracking in MSBuild-driven builds.
//
// Unbalanced suspend/resume calls are tolerated by FileTracker itself,
// matching the C++ original; this guard only adds the scoping.
func NewBuildTrackerGuard() func() {
	mod, err := syscall.LoadLibrary("FileTracker32.dll")
	if err != nil {
		mod, err = syscall.LoadLibrary("FileTracker64.dll")
	}
	if err != nil {
		return func() {}
	}
	defer syscall.FreeLibrary(mod)

	suspend, errSuspend := syscall.GetProcAddress(mod, "SuspendTracking")
	resume, errResume := syscall.GetProcAddress(mod, "ResumeTracking")
	if errSuspend != nil || errResume != nil {
		return func() {}
	}

	syscall.SyscallN(suspend)
	return func() { syscall.SyscallN(resume) }
}
