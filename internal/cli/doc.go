// Package cli builds and validates the command line used to launch an
// external recorder.
//
// A device spec is the recorder program followed by its own arguments, split
// on whitespace:
//
//	cmd, err := cli.BuildCommand("/usr/bin/mythexternrecorder --conf a.conf", 3, nil)
//	// cmd.Path == "/usr/bin/mythexternrecorder"
//	// cmd.Args == ["--conf", "a.conf", "--quiet", "--inputid", "3"]
//
// Exactly one quiet flag is passed: "--quiet" is appended unless "--quiet" or
// "-q" is already present. The major id is always passed as "--inputid".
//
// # Executable Resolution
//
// Resolve locates the program: a bare name is searched in PATH, anything
// containing a separator is used as given. ValidateExecutable then checks the
// file is a regular file the current user may read and execute.
package cli
