// Package postmortem keeps records of torn down load contexts.
//
// When a domain runs with debug unload retention, the memory of a freed
// context is poisoned instead of released and a Record describing what was
// torn down is written to a Store. Records are CBOR encoded in canonical mode
// and kept in a pebble database under "ctx/<context id>".
package postmortem

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Record describes one load context teardown.
type Record struct {
	ContextID          string    `cbor:"1,keyasint"`
	Collectible        bool      `cbor:"2,keyasint"`
	Variant            string    `cbor:"3,keyasint"`
	Assemblies         []string  `cbor:"4,keyasint,omitempty"`
	ArenaBytes         int       `cbor:"5,keyasint"`
	ArenaChunks        int       `cbor:"6,keyasint"`
	CodeBytes          int       `cbor:"7,keyasint"`
	CodeChunks         int       `cbor:"8,keyasint"`
	VTables            int       `cbor:"9,keyasint"`
	ReflectionTypes    int       `cbor:"10,keyasint"`
	ReflectionObjects  int       `cbor:"11,keyasint"`
	TypeInitExceptions int       `cbor:"12,keyasint"`
	UnloadedAt         time.Time `cbor:"13,keyasint"`
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("postmortem: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Marshal encodes r.
func Marshal(r *Record) ([]byte, error) {
	return encMode.Marshal(r)
}

// Unmarshal decodes a record produced by Marshal.
func Unmarshal(data []byte) (*Record, error) {
	var r Record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("postmortem: unmarshal record: %w", err)
	}
	return &r, nil
}
