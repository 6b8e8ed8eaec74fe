// Package config loads process configuration from environment variables.
//
// The tier quota table itself is fixed in the domain package; only the
// stream timing knobs and connection caps are externally tunable.
package config
