// Package extrec drives external recorder programs and multiplexes the
// transport stream they produce to any number of consumers.
//
// An external recorder is a separate executable that tunes a source and
// writes MPEG transport stream packets to its standard output. It is
// controlled with a small line protocol on its standard input, and answers
// and notices arrive on its standard error. This package spawns the
// recorder, negotiates the protocol version, paces the recorder with
// XON/XOFF or SendBytes flow control and restarts the stream when it stalls.
//
// # Basic Usage
//
// Share a handler per device through a Registry:
//
//	reg := extrec.NewRegistry(extrec.WithLogger(logger))
//	defer reg.Close()
//
//	h, err := reg.Acquire(ctx, "/usr/bin/mythfilerecorder --infile /tmp/x.ts", "caller-1", 3)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer reg.Release(&h, "caller-1")
//
//	if err := h.RegisterConsumer(ctx, consumer); err != nil {
//	    log.Fatal(err)
//	}
//
// A consumer implements ProcessData. It is handed the unconsumed stream
// buffer and returns how many trailing bytes it could not use yet:
//
//	type fileSink struct{ f *os.File }
//
//	func (s *fileSink) ProcessData(p []byte) int {
//	    n := len(p) - len(p)%extrec.TSPacketSize
//	    s.f.Write(p[:n])
//	    return len(p) - n
//	}
//
// # Logging
//
// Pass a logger with WithLogger. Without one the package is silent.
//
// # Error Handling
//
// Typed errors describe the failure:
//
//	h, err := reg.Acquire(ctx, spec, caller, id)
//	if spawnErr, ok := errors.AsType[*extrec.SpawnError](err); ok {
//	    log.Fatalf("cannot run %s: %s", spawnErr.Path, spawnErr.Reason)
//	}
//	if errors.Is(err, extrec.ErrDeviceBusy) {
//	    log.Fatal("device in use by another process")
//	}
//
// A handler that reports ErrHandlerFatal cannot recover; release it and
// acquire a fresh one.
package extrec
