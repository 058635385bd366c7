// Package selfupdate replaces the running executable with the latest
// published release of the tool.
//
// The new binary is downloaded through the retrying fetch engine and
// applied atomically. When the release publishes a checksums.txt asset
// the download is verified against it before the swap. The update
// refuses to start while another invocation holds the run lock.
package selfupdate
