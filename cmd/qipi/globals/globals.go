// Package globals holds the flags shared by every qipi subcommand.
package globals

// Globals are the flags available to every subcommand, following kong's
// convention of embedding a shared struct into the top-level CLI.
type Globals struct {
	Verbose bool `help:"Enable verbose (debug) logging" short:"v" env:"QIPI_VERBOSE"`
}
