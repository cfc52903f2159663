package main

import "time"

const defaultWatchInterval = 5 * time.Second

type StatusFlags struct {
	All      bool          // Every kind plus every recorded instance
	Watch    bool          // Watch mode for continuous monitoring
	Interval time.Duration // Watch interval
}
