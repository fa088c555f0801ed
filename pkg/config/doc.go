// Package config loads the Caldera service configuration from CUE files.
// The configuration is validated twice: once against the embedded CUE
// #Config schema, which rejects unknown fields and out-of-range values,
// and once with struct-tag validation after decoding. Missing fields keep
// their Go defaults.
package config
