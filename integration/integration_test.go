//go:build integration

package integration

import (
	"errors"
	"os"
	"testing"

	extrec "github.com/wagiedev/external-recorder-go"
)

// deviceSpec returns the recorder under test from EXTREC_DEVICE, skipping
// the test when none is configured.
func deviceSpec(t *testing.T) string {
	t.Helper()

	spec := os.Getenv("EXTREC_DEVICE")
	if spec == "" {
		t.Skip("EXTREC_DEVICE not set")
	}

	return spec
}

// skipIfRecorderNotInstalled skips the test if the error indicates the
// recorder program could not be started.
func skipIfRecorderNotInstalled(t *testing.T, err error) {
	t.Helper()

	if _, ok := errors.AsType[*extrec.SpawnError](err); ok {
		t.Skipf("recorder not runnable: %v", err)
	}
}

// packetCounter counts whole transport stream packets.
type packetCounter struct {
	bytes chan int
}

func newPacketCounter() *packetCounter {
	return &packetCounter{bytes: make(chan int, 1024)}
}

func (c *packetCounter) ProcessData(p []byte) int {
	whole := len(p) - len(p)%extrec.TSPacketSize
	if whole > 0 {
		select {
		case c.bytes <- whole:
		default:
		}
	}

	return len(p) - whole
}
