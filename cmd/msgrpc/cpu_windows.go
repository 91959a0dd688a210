package main

import (
	"syscall"
	"time"
)

func readCPUUsage() cpuUsage {
	var creation, exit, kernel, user syscall.Filetime
	h, err := syscall.GetCurrentProcess()
	if err != nil {
		return cpuUsage{}
	}
	if err := syscall.GetProcessTimes(h, &creation, &exit, &kernel, &user); err != nil {
		return cpuUsage{}
	}
	return cpuUsage{user: filetimeDuration(user), system: filetimeDuration(kernel)}
}

// filetimeDuration converts a FILETIME span (100ns ticks) to a Duration.
func filetimeDuration(ft syscall.Filetime) time.Duration {
	return time.Duration(int64(ft.HighDateTime)<<32|int64(ft.LowDateTime)) * 100
}
