// Package subprocess runs an external recorder as a child process.
//
// A Process owns three pipes: commands are written to the recorder's stdin,
// stream data is read from its stdout, and control replies and notices are
// read line by line from its stderr. All reads are bounded by deadlines so the
// acquisition loop never blocks indefinitely.
//
// The recorder runs in its own process group so that Terminate reaches any
// programs it starts. Before spawning, a stale recorder with an identical
// command line is terminated.
package subprocess
