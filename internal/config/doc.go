// Package config provides centralized configuration management for the
// control plane daemon. Configuration is loaded from a JSON file, with
// sensible defaults applied for anything the operator leaves out, and
// duration fields accept both Go duration strings and plain seconds.
package config
