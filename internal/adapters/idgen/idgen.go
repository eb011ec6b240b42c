package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// deviceNamespace scopes device ids derived from names.
var deviceNamespace = uuid.MustParse("5f0c3b9e-8d3c-4c55-9d1e-6a0d2f2b7c41")

// DeviceID derives a stable device id from the advertised name, so a
// restarted daemon keeps its identity in the remote-control fabric.
func DeviceID(name string) string {
	id := uuid.NewSHA1(deviceNamespace, []byte(strings.TrimSpace(name)))
	return strings.ReplaceAll(id.String(), "-", "")
}

// Generator creates random identifiers.
type Generator struct{}

// NewID returns a UUIDv4 string.
func (Generator) NewID() string {
	return uuid.NewString()
}
