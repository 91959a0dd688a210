package main

import "time"

// cpuUsage is the CPU time this process has spent so far, split by mode.
type cpuUsage struct {
	user   time.Duration
	system time.Duration
}

func (u cpuUsage) since(start cpuUsage) cpuUsage {
	return cpuUsage{user: u.user - start.user, system: u.system - start.system}
}

func (u cpuUsage) total() time.Duration { return u.user + u.system }
