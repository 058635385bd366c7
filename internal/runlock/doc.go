// Package runlock guards a build directory against concurrent runs.
//
// Acquire writes a lock file recording the holder's process ID and
// executable name. A lock left behind by a crashed run is detected by
// checking whether that process is still alive and is removed
// automatically, so a reboot or a kill never requires manual cleanup.
package runlock
