// Package config loads the format-time and mount-time parameters that size
// every other vaultfs component (block size, chunk size, MHT fan-out,
// journal area size, compaction policy). Loading follows the teacher's own
// viper-backed configuration in cmd/config.go: defaults first, then an
// optional config file, then environment variables.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

const (
	// DefaultBlockSize matches spec §3's "typically 4 KiB".
	DefaultBlockSize = 4096
	// DefaultChunkNblocks is the number of blocks per allocation chunk (C1).
	DefaultChunkNblocks = 16
	// DefaultMhtNbranches stays below (BLOCK_SIZE - header) / entry_size =
	// (4096 - 7) / 56 = 73 for a 4 KiB block with 56-byte MHT entries and a
	// 7-byte header (§3).
	DefaultMhtNbranches = 64
	// DefaultJournalAreaBlocks sizes the edit-journal region (C5) when not
	// overridden; it must be block-aligned and large enough to hold at least
	// a handful of write-buffer blocks plus two CryptoBlob snapshots.
	DefaultJournalAreaBlocks = 256
	// JournalAreaFraction is the fraction of a tx log store's total blocks
	// reserved for the journal region at format time (§4.7: "~10%").
	JournalAreaFraction = 0.10
	// BidSize is the on-disk size of a device block id field.
	BidSize = 8
	// MaxFnameLen bounds directory entry names (§8).
	MaxFnameLen = 255
	// MaxFastSymlinkLen bounds inline ("fast") symlink targets (§3).
	MaxFastSymlinkLen = 59
	// DirectPtrCount is the number of direct block pointers in an inode (§3).
	DirectPtrCount = 12
)

// Params bundles the parameters that format() and recover() need agreement
// on; they are persisted in the superblock (§6) so recover() can validate a
// disk was formatted with compatible geometry.
type Params struct {
	BlockSize         uint32
	ChunkNblocks      uint32
	MhtNbranches      uint32
	JournalAreaBlocks uint32
	CompactPolicy     string // "never" | "default"
}

// N returns the per-block pointer fan-out N = BlockSize/BidSize (§3).
func (p Params) N() uint64 {
	return uint64(p.BlockSize) / BidSize
}

// Default returns the baseline Params used when no configuration is
// supplied.
func Default() Params {
	return Params{
		BlockSize:         DefaultBlockSize,
		ChunkNblocks:      DefaultChunkNblocks,
		MhtNbranches:      DefaultMhtNbranches,
		JournalAreaBlocks: DefaultJournalAreaBlocks,
		CompactPolicy:     "default",
	}
}

// Load reads Params from a viper instance, falling back to Default() for any
// key that isn't set. configPath, if non-empty, is read as an additional
// config file (toml/yaml/json, auto-detected by viper) before env vars are
// consulted — mirroring the teacher's layered precedence.
func Load(configPath string) (Params, error) {
	v := viper.New()
	v.SetEnvPrefix("VAULTFS")
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("block_size", d.BlockSize)
	v.SetDefault("chunk_nblocks", d.ChunkNblocks)
	v.SetDefault("mht_nbranches", d.MhtNbranches)
	v.SetDefault("journal_area_blocks", d.JournalAreaBlocks)
	v.SetDefault("compact_policy", d.CompactPolicy)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Params{}, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	return Params{
		BlockSize:         v.GetUint32("block_size"),
		ChunkNblocks:      v.GetUint32("chunk_nblocks"),
		MhtNbranches:      v.GetUint32("mht_nbranches"),
		JournalAreaBlocks: v.GetUint32("journal_area_blocks"),
		CompactPolicy:     v.GetString("compact_policy"),
	}, nil
}
