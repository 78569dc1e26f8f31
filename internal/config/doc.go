// Package config loads promptd settings from environment variables
// (PROMPTD_ prefix) and an optional YAML file using viper, and validates
// them with struct tags before any component is constructed.
package config
