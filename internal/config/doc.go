// Package config provides centralized configuration management for the
// BehaviorMesh daemon, loading JSON or YAML files and supplying typed
// accessors with sensible defaults for downstream services.
package config
