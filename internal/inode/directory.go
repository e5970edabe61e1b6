package inode

import (
	"github.com/deploymenttheory/vaultfs/internal/config"
	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
	"github.com/deploymenttheory/vaultfs/internal/vlog"
)

// dirEntry is the in-memory form of a directory entry (§3, §6). A real
// on-disk vaultfs would pack these into the directory inode's page-cached
// data blocks with variable-length, 4-byte-aligned records; this engine
// keeps the parsed entry list directly on the Inode (§4.4's DirEntryReader
// linear scan becomes a slice scan) and treats Ino==0 as a tombstone rather
// than reclaiming record_len space, which is the one place this
// implementation diverges from the byte-exact on-disk layout.
type dirEntry struct {
	Ino  Ino
	Type Type
	Name string
}

// EntryCount reports the number of live (non-tombstone) entries (§3:
// "entry_count >= 2 for any live directory").
func (in *Inode) EntryCount() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	n := 0
	for _, e := range in.entries {
		if e.Ino != 0 {
			n++
		}
	}
	return n
}

func (in *Inode) findEntryLocked(name string) (int, *dirEntry) {
	for i := range in.entries {
		if in.entries[i].Ino != 0 && in.entries[i].Name == name {
			return i, &in.entries[i]
		}
	}
	return -1, nil
}

// Lookup linear-scans the directory for name (§4.4).
func (in *Inode) Lookup(name string) (Ino, Type, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.desc.Type != Directory {
		return 0, 0, vfserr.New("inode.lookup", vfserr.ENOTDIR)
	}
	for _, e := range in.entries {
		if e.Ino != 0 && e.Name == name {
			return e.Ino, e.Type, nil
		}
	}
	return 0, 0, vfserr.New("inode.lookup", vfserr.ENOENT)
}

// Create allocates a new inode named name within the directory in (§4.4).
// On descriptor-init failure the inode-number allocation is rolled back by
// the caller aborting tx.
func (in *Inode) Create(tx *txn.Tx, name string, typ Type, perm uint16) (*Inode, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.desc.Type != Directory {
		return nil, vfserr.New("inode.create", vfserr.ENOTDIR)
	}
	if in.desc.HardLinks == 0 {
		return nil, vfserr.New("inode.create", vfserr.ENOENT)
	}
	if len(name) > config.MaxFnameLen {
		return nil, vfserr.New("inode.create", vfserr.ENAMETOOLONG)
	}
	if _, e := in.findEntryLocked(name); e != nil {
		return nil, vfserr.New("inode.create", vfserr.EEXIST)
	}

	ino, err := in.fs.allocIno(tx)
	if err != nil {
		return nil, err
	}

	hardLinks := uint32(1)
	if typ == Directory {
		hardLinks = 2
	}
	desc := Descriptor{
		Ino:           ino,
		Type:          typ,
		Perm:          perm,
		HardLinks:     hardLinks,
		BlockGroupIdx: in.desc.BlockGroupIdx,
	}
	child := in.fs.newInode(desc)
	if typ == Directory {
		child.entries = []dirEntry{
			{Ino: ino, Type: Directory, Name: "."},
			{Ino: in.desc.Ino, Type: Directory, Name: ".."},
		}
	}

	in.entries = append(in.entries, dirEntry{Ino: ino, Type: typ, Name: name})
	vlog.For("inode").WithField("name", name).WithField("ino", ino).Debug("entry created")
	return child, nil
}

// Link adds name -> target.Ino in directory in, incrementing target's
// hard_links (§4.4). Forbidden when target is a directory.
func (in *Inode) Link(target *Inode, name string) error {
	unlock := lockAscending(in, target)
	defer unlock()

	if in.desc.Type != Directory {
		return vfserr.New("inode.link", vfserr.ENOTDIR)
	}
	if target.desc.Type == Directory {
		return vfserr.New("inode.link", vfserr.EPERM)
	}
	if len(name) > config.MaxFnameLen {
		return vfserr.New("inode.link", vfserr.ENAMETOOLONG)
	}
	if _, e := in.findEntryLocked(name); e != nil {
		return vfserr.New("inode.link", vfserr.EEXIST)
	}

	in.entries = append(in.entries, dirEntry{Ino: target.desc.Ino, Type: target.desc.Type, Name: name})
	target.desc.HardLinks++
	return nil
}

// Unlink removes name from directory in, decrementing the target's
// hard_links (§4.4). Forbidden for "." / ".." and for directory targets.
func (in *Inode) Unlink(name string) error {
	if name == "." || name == ".." {
		return vfserr.New("inode.unlink", vfserr.EPERM)
	}

	in.mu.RLock()
	idx, e := in.findEntryLocked(name)
	if e == nil {
		in.mu.RUnlock()
		return vfserr.New("inode.unlink", vfserr.ENOENT)
	}
	targetIno := e.Ino
	targetType := e.Type
	in.mu.RUnlock()
	if targetType == Directory {
		return vfserr.New("inode.unlink", vfserr.EISDIR)
	}

	target, ok := in.fs.GetInode(targetIno)
	if !ok {
		return vfserr.New("inode.unlink", vfserr.ENOENT)
	}

	unlock := lockAscending(in, target)
	defer unlock()

	idx, e = in.findEntryLocked(name)
	if e == nil || e.Ino != targetIno {
		return vfserr.New("inode.unlink", vfserr.ENOENT)
	}
	in.entries[idx].Ino = 0
	if target.desc.HardLinks > 0 {
		target.desc.HardLinks--
	}
	return nil
}

// Rmdir removes an empty subdirectory named name (§4.4): additionally
// requires entry_count <= 2, and decrements the child's hard_links twice
// (for the entry and for ".").
func (in *Inode) Rmdir(name string) error {
	if name == "." || name == ".." {
		return vfserr.New("inode.rmdir", vfserr.EPERM)
	}

	in.mu.RLock()
	_, e := in.findEntryLocked(name)
	if e == nil {
		in.mu.RUnlock()
		return vfserr.New("inode.rmdir", vfserr.ENOENT)
	}
	targetIno, targetType := e.Ino, e.Type
	in.mu.RUnlock()
	if targetType != Directory {
		return vfserr.New("inode.rmdir", vfserr.ENOTDIR)
	}

	target, ok := in.fs.GetInode(targetIno)
	if !ok {
		return vfserr.New("inode.rmdir", vfserr.ENOENT)
	}

	unlock := lockAscending(in, target)
	defer unlock()

	if target.EntryCountLocked() > 2 {
		return vfserr.New("inode.rmdir", vfserr.ENOTEMPTY)
	}
	idx, e := in.findEntryLocked(name)
	if e == nil || e.Ino != targetIno {
		return vfserr.New("inode.rmdir", vfserr.ENOENT)
	}
	in.entries[idx].Ino = 0
	if target.desc.HardLinks >= 2 {
		target.desc.HardLinks -= 2
	} else {
		target.desc.HardLinks = 0
	}
	return nil
}

// EntryCountLocked is EntryCount for a caller that already holds in.mu
// (used by Rmdir while holding the ascending-order lock set).
func (in *Inode) EntryCountLocked() int {
	n := 0
	for _, e := range in.entries {
		if e.Ino != 0 {
			n++
		}
	}
	return n
}

// Rename moves entry old in directory src to entry new in directory dst
// (§4.4). Per the compatibility matrix: a directory may only replace an
// empty directory or an absent entry; a non-directory may not replace a
// directory. For a directory move, the moved inode's own ".." entry must
// be rewritten, so its lock joins src/dst in the ascending-inode-number
// lock set, as does the inode an existing entry new refers to (§4.4: "up
// to four inodes — src_inode, dst_inode, target, self").
func Rename(src, dst *Inode, old, new string) error {
	if src == dst {
		return src.renameSameDir(old, new)
	}

	src.mu.RLock()
	_, peek := src.findEntryLocked(old)
	if peek == nil {
		src.mu.RUnlock()
		return vfserr.New("inode.rename", vfserr.ENOENT)
	}
	movedIno, movedType := peek.Ino, peek.Type
	src.mu.RUnlock()

	var child *Inode
	if movedType == Directory {
		child, _ = dst.fs.GetInode(movedIno)
	}
	var replaced *Inode
	dst.mu.RLock()
	if _, existing := dst.findEntryLocked(new); existing != nil {
		replaced, _ = dst.fs.GetInode(existing.Ino)
	}
	dst.mu.RUnlock()

	unlock := lockAscending(src, dst, child, replaced)
	defer unlock()

	idx, e := src.findEntryLocked(old)
	if e == nil {
		return vfserr.New("inode.rename", vfserr.ENOENT)
	}
	moved := *e

	if existingIdx, existing := dst.findEntryLocked(new); existing != nil {
		if err := checkReplaceCompat(moved.Type, existing.Type); err != nil {
			return err
		}
		if existing.Type == Directory {
			if target, ok := dst.fs.GetInode(existing.Ino); ok && target.EntryCountLocked() > 2 {
				return vfserr.New("inode.rename", vfserr.ENOTEMPTY)
			}
		}
		dst.entries[existingIdx].Ino = 0
	}

	src.entries[idx].Ino = 0
	dst.entries = append(dst.entries, dirEntry{Ino: moved.Ino, Type: moved.Type, Name: new})
	if moved.Type == Directory && child != nil {
		for i := range child.entries {
			if child.entries[i].Name == ".." {
				child.entries[i].Ino = dst.desc.Ino
			}
		}
	}
	return nil
}

func (in *Inode) renameSameDir(old, new string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	idx, e := in.findEntryLocked(old)
	if e == nil {
		return vfserr.New("inode.rename", vfserr.ENOENT)
	}
	if old == new {
		return nil
	}
	moved := *e

	if existingIdx, existing := in.findEntryLocked(new); existing != nil {
		if err := checkReplaceCompat(moved.Type, existing.Type); err != nil {
			return err
		}
		if existing.Type == Directory {
			if target, ok := in.fs.GetInode(existing.Ino); ok && target.EntryCountLocked() > 2 {
				return vfserr.New("inode.rename", vfserr.ENOTEMPTY)
			}
		}
		in.entries[existingIdx].Ino = 0
	}
	in.entries[idx].Name = new
	return nil
}

func checkReplaceCompat(srcType, dstType Type) error {
	if srcType == Directory && dstType != Directory {
		return vfserr.New("inode.rename", vfserr.ENOTDIR)
	}
	if srcType != Directory && dstType == Directory {
		return vfserr.New("inode.rename", vfserr.EISDIR)
	}
	return nil
}
