//go:build linux

package worker

import "golang.org/x/sys/unix"

// applyResourceLimits sets the RSS limit on an already-started child
// process via prlimit(2), the closest portable equivalent to the
// source's pre-exec setrlimit call (spec §4.2 step 3). A limit of 0
// leaves the resource unbounded. The historical address-space limit
// (-M) is parsed for CLI compatibility but never enforced (spec §9
// Open Question), so it has no counterpart here.
func applyResourceLimits(pid, rssKb int) error {
	if rssKb > 0 {
		lim := unix.Rlimit{Cur: uint64(rssKb) * 1024, Max: uint64(rssKb) * 1024}
		if err := unix.Prlimit(pid, unix.RLIMIT_RSS, &lim, nil); err != nil {
			return err
		}
	}
	return nil
}
