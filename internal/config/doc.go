// Package config provides configuration loading and validation for the NaoCar remote server.
// It handles YAML-based configuration layered over built-in defaults, with per-section
// validation for the control listener, video stream, discovery and actuator bridge.
package config
