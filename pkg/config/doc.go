// Package config loads Skyhook configuration from environment variables
// with an optional YAML overlay file.
//
// Environment variables use the SKYHOOK_ prefix. When SKYHOOK_CONFIG_FILE
// points at a YAML file, values from that file override environment values,
// which lets deployments keep secrets in the environment and topology in a
// mounted config map.
package config
