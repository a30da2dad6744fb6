//go:build excludemain

package main

import "context"

// Coverage builds never install signal handlers.
func init() {
	shutdownContext = context.WithCancel
}
