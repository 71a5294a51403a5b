package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wagiedev/external-recorder-go/internal/errors"
)

// Kind classifies a recorder reply.
type Kind int

const (
	// KindOK is a successful terminal reply.
	KindOK Kind = iota + 1
	// KindWarn is a terminal reply that succeeded with a caveat.
	KindWarn
	// KindErr is a terminal failure reply.
	KindErr
	// KindStatus is an out-of-band notice, never a reply to a command.
	KindStatus
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindOK:
		return "OK"
	case KindWarn:
		return "WARN"
	case KindErr:
		return "ERR"
	case KindStatus:
		return "STATUS"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Response is one parsed line from the recorder's status pipe.
//
// Wire format, version 1:
//
//	OK[:payload]
//	WARN[:payload]
//	ERR[:payload]
//	STATUS[:payload]
//
// Version 2 prefixes every line with the serial of the command it answers:
//
//	17:OK:payload
//	16:STATUS:ERR:lost signal
type Response struct {
	Kind      Kind
	Serial    uint64
	HasSerial bool
	Payload   string
	Raw       string
}

// Terminal reports whether the response completes a command.
func (r Response) Terminal() bool {
	return r.Kind != KindStatus
}

// ErrorNotice reports whether the response is a status notice carrying an
// error, such as "STATUS:ERR:tuner lost".
func (r Response) ErrorNotice() bool {
	return r.Kind == KindStatus && strings.HasPrefix(r.Payload, "ERR")
}

// Yes reports whether the payload is an affirmative answer to a query.
func (r Response) Yes() bool {
	return r.Kind == KindOK && strings.HasPrefix(r.Payload, "Yes")
}

func parseKind(token string) (Kind, bool) {
	switch strings.TrimSpace(token) {
	case "OK":
		return KindOK, true
	case "WARN":
		return KindWarn, true
	case "ERR":
		return KindErr, true
	case "STATUS":
		return KindStatus, true
	}

	return 0, false
}

// splitKind parses "KIND[:payload]".
func splitKind(s string) (Kind, string, bool) {
	token, payload, _ := strings.Cut(s, ":")

	kind, ok := parseKind(token)
	if !ok {
		return 0, "", false
	}

	return kind, payload, true
}

// ParseV1 parses a line in the version 1 grammar. A "0:" prefix on a status
// notice is tolerated.
func ParseV1(line string) (Response, error) {
	raw := line
	line = strings.TrimSpace(line)

	if rest, ok := strings.CutPrefix(line, "0:"); ok && strings.HasPrefix(rest, "STATUS") {
		line = rest
	}

	kind, payload, ok := splitKind(line)
	if !ok {
		return Response{Raw: raw}, fmt.Errorf("%w: %q", errors.ErrMalformedResponse, raw)
	}

	return Response{Kind: kind, Payload: payload, Raw: raw}, nil
}

// ParseV2 parses a line in the version 2 grammar.
//
// A line whose first token is not a serial is returned with HasSerial unset
// and the remainder parsed as a version 1 line; the recorder emits these
// when it terminates abnormally.
func ParseV2(line string) (Response, error) {
	raw := line
	line = strings.TrimSpace(line)

	serialToken, rest, found := strings.Cut(line, ":")

	serial, err := strconv.ParseUint(strings.TrimSpace(serialToken), 10, 64)
	if err != nil {
		resp, perr := ParseV1(line)
		resp.Raw = raw

		return resp, perr
	}

	if !found || rest == "" {
		return Response{Raw: raw, Serial: serial, HasSerial: true},
			fmt.Errorf("%w: %q", errors.ErrMalformedResponse, raw)
	}

	kind, payload, ok := splitKind(rest)
	if !ok {
		return Response{Raw: raw, Serial: serial, HasSerial: true},
			fmt.Errorf("%w: %q", errors.ErrMalformedResponse, raw)
	}

	return Response{
		Kind:      kind,
		Serial:    serial,
		HasSerial: true,
		Payload:   payload,
		Raw:       raw,
	}, nil
}

// Parse parses a line in the grammar of the given protocol version.
func Parse(version int, line string) (Response, error) {
	if version >= 2 {
		return ParseV2(line)
	}

	return ParseV1(line)
}
