//go:build !excludemain

package main

import "aeternum/internal/signals"

func init() {
	shutdownContext = signals.Context
}
