// Package config holds the tunables of the stream handler, the recorder
// channel abstraction used to inject transports, and the TOML configuration
// file read by the extrec command.
package config
