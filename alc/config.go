package alc

import (
	"github.com/wippyai/loadctx/errors"
	"github.com/wippyai/loadctx/memmgr"
	"github.com/wippyai/loadctx/postmortem"
)

// UnloadVariant selects how tracker finalization turns into teardown.
type UnloadVariant int

const (
	// VariantDirect tears the context down from the tracker finalizer.
	VariantDirect UnloadVariant = iota

	// VariantRefcounted routes finalization through a reference counted
	// LoaderAllocator and a domain sweep.
	VariantRefcounted
)

func (v UnloadVariant) String() string {
	switch v {
	case VariantDirect:
		return "direct"
	case VariantRefcounted:
		return "refcounted"
	default:
		return "unknown"
	}
}

// ParseUnloadVariant parses "direct" or "refcounted".
func ParseUnloadVariant(s string) (UnloadVariant, error) {
	switch s {
	case "direct", "":
		return VariantDirect, nil
	case "refcounted":
		return VariantRefcounted, nil
	default:
		return 0, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Value(s).
			Detail("unknown unload variant %q", s).
			Build()
	}
}

// Recorder receives teardown records in debug unload mode.
type Recorder interface {
	Put(*postmortem.Record) error
}

// Config configures a Domain. A nil Config uses defaults.
type Config struct {
	// Variant selects the unload fulfilment variant.
	Variant UnloadVariant

	// DebugUnload poisons and keeps freed memory instead of releasing it.
	DebugUnload bool

	// Memory configures the memory managers of new contexts.
	Memory *memmgr.Config

	// Recorder, if set, receives a record for every teardown in debug unload
	// mode.
	Recorder Recorder

	// OnFreed, if set, is called after a context has been torn down, with
	// the context list lock held. It must not call back into the domain.
	OnFreed func(*LoadContext)
}

func (c *Config) orDefault() Config {
	if c == nil {
		return Config{}
	}
	return *c
}
