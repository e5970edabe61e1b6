// Package vfserr implements the ABI-level error taxonomy of spec §6
// (ENOENT, EEXIST, EIO, ...) on top of ordinary wrapped Go errors, following
// the teacher's fmt.Errorf("...: %w", err) convention throughout.
package vfserr

import (
	"errors"
	"fmt"
)

// Code is one of the ABI-level error codes enumerated in spec §6.
type Code int

const (
	_ Code = iota
	ENOENT
	EEXIST
	EISDIR
	ENOTDIR
	ENAMETOOLONG
	ENOTEMPTY
	EINVAL
	EPERM
	ENOSPC
	EIO
	EFAULT
	EOPNOTSUPP
	ENOMEM
	EACCES
)

func (c Code) String() string {
	switch c {
	case ENOENT:
		return "ENOENT"
	case EEXIST:
		return "EEXIST"
	case EISDIR:
		return "EISDIR"
	case ENOTDIR:
		return "ENOTDIR"
	case ENAMETOOLONG:
		return "ENAMETOOLONG"
	case ENOTEMPTY:
		return "ENOTEMPTY"
	case EINVAL:
		return "EINVAL"
	case EPERM:
		return "EPERM"
	case ENOSPC:
		return "ENOSPC"
	case EIO:
		return "EIO"
	case EFAULT:
		return "EFAULT"
	case EOPNOTSUPP:
		return "EOPNOTSUPP"
	case ENOMEM:
		return "ENOMEM"
	case EACCES:
		return "EACCES"
	default:
		return "EUNKNOWN"
	}
}

// VfsError is the error type every public vaultfs operation ultimately
// returns. Op names the failing operation ("inode.unlink", "rawlog.append")
// for log correlation; Err is the wrapped lower-level cause, if any.
type VfsError struct {
	Code Code
	Op   string
	Err  error
}

func (e *VfsError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *VfsError) Unwrap() error { return e.Err }

// New builds a VfsError directly from a code.
func New(op string, code Code) error {
	return &VfsError{Op: op, Code: code}
}

// Wrap attaches a code and an operation name to an underlying error.
func Wrap(op string, code Code, err error) error {
	if err == nil {
		return nil
	}
	return &VfsError{Op: op, Code: code, Err: err}
}

// CodeOf extracts the ABI code carried by err, if any was attached via this
// package. Returns (0, false) for plain errors with no attached code.
func CodeOf(err error) (Code, bool) {
	var ve *VfsError
	if errors.As(err, &ve) {
		return ve.Code, true
	}
	return 0, false
}

// Is reports whether err carries the given ABI code anywhere in its chain.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
