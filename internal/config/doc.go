// Package config loads the settlement daemon configuration from a YAML file
// selected by SETTLEMENT_CONFIG and fills every unset knob with a default.
package config
