package memmgr

import "github.com/wippyai/loadctx/arena"

// Config configures a Manager. A nil Config uses defaults.
type Config struct {
	// ChunkSize is the metadata arena chunk size.
	ChunkSize int

	// CodeChunkSize is the code arena chunk size.
	CodeChunkSize int
}

func (c *Config) chunkSize() int {
	if c == nil || c.ChunkSize <= 0 {
		return arena.DefaultChunkSize
	}
	return c.ChunkSize
}

func (c *Config) codeChunkSize() int {
	if c == nil || c.CodeChunkSize <= 0 {
		return arena.DefaultCodeChunkSize
	}
	return c.CodeChunkSize
}
