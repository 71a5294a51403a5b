// Package logging builds the slog loggers used by the command line tool.
//
// Two output formats are supported: a console format that puts the
// component in the line header followed by key=value attributes, and JSON.
// The "auto" format picks console when the output is a terminal.
package logging
