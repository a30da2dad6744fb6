package cli

import (
	"os"

	"aeternum/internal/config"
)

// Swapped by tests.
var (
	osMkdirAll         = os.MkdirAll
	configWriteDefault = config.WriteDefault
	configLoad         = config.Load
	configSave         = config.Save
	assignFn           = assignKey
)
