// Package protocol implements the line-oriented control protocol spoken by
// external recorders.
//
// Commands are written to the recorder's stdin, one per line. Replies and
// out-of-band notices arrive on its stderr. Two framings exist:
//
//	version 1:  HasTuner?         ->  OK:Yes
//	version 2:  12:HasTuner?      ->  12:OK:Yes
//
// In version 2 every command carries a serial and a reply is matched to its
// command by that serial; lines with a lower serial are notices or late
// replies. In version 1, lines starting with STATUS are notices.
//
// A Session serializes commands, retries timeouts and malformed replies, and
// becomes fatal when consecutive I/O errors exceed a threshold:
//
//	s := protocol.NewSession(log, conn, protocol.SessionOptions{})
//	version, err := s.Negotiate(ctx, 0)
//	resp, err := s.Execute(ctx, "HasTuner?")
//	hasTuner := err == nil && resp.Yes()
package protocol
