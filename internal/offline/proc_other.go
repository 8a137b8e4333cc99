//go:build !linux

package offline

func processRSSBytes() (rssBytes uint64, ok bool) { return 0, false }
