package config

import _ "embed"

// Default holds the embedded default configuration.
//
//go:embed conf.yaml
var Default []byte
