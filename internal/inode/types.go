// Package inode implements the ext2-style inode engine (C4): inode
// descriptors layered over a bidpath.Tree, an in-memory page cache, and the
// directory/link/resize/symlink/fallocate/sync operations of §4.4.
//
// Grounded on the teacher's internal/parsers inode-field layout
// (internal/apfs's j_inode_val_t mirrors the classic {mode, uid, gid, size,
// times, block_ptrs} shape) generalized from a read-only parsed struct into
// a live, TX-mutable descriptor; directory entry packing follows
// other_examples/hellin-go-ext4's linux_dirent layout.
package inode

import (
	"github.com/deploymenttheory/vaultfs/internal/bidpath"
	"github.com/deploymenttheory/vaultfs/internal/config"
)

// Ino is an inode number; 0 is never valid.
type Ino uint64

// Type is the inode's file type.
type Type int

const (
	RegularFile Type = iota
	Directory
	Symlink
)

// Descriptor is the ext2-style on-disk inode record (§3, §6).
type Descriptor struct {
	Ino           Ino
	Type          Type
	Perm          uint16
	Uid, Gid      uint32
	Size          uint64
	Atime, Ctime  int64
	Mtime, Dtime  int64
	HardLinks     uint32
	BlocksCount   uint64
	Flags         uint32
	BlockGroupIdx uint32
	Ptrs          bidpath.Ptrs
	// FastSymlink holds the inline target for a symlink whose length is
	// <= MaxFastSymlinkLen (§3); BlocksCount stays 0 in that case.
	FastSymlink []byte
}

// IsFastSymlink reports whether this descriptor stores its target inline.
func (d *Descriptor) IsFastSymlink() bool {
	return d.Type == Symlink && d.Size <= config.MaxFastSymlinkLen
}
