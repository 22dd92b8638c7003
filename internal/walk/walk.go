// Package walk implements the directory enumeration helper: a depth-first,
// symlink-following walk used to compute the live FileIndex set for Image
// Cache startup reconciliation, plus the ignore-pattern Filter applied to
// that walk and to read-ahead.
package walk

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// Action is a visitor's verdict for a node.
type Action int

const (
	// Continue descends into the node's children (if it is a directory)
	// and keeps walking.
	Continue Action = iota
	// Stop terminates the walk immediately.
	Stop
	// Prune skips the node's children but continues the walk elsewhere.
	Prune
	// Return unwinds the walk back to the root without visiting any more
	// siblings or ancestors' remaining children.
	Return
)

// Node describes one visited filesystem entry.
type Node struct {
	Path    string
	Info    os.FileInfo
	Device  uint64
	Inode   uint64
}

// Visitor receives Before on entry to a node and After once its subtree
// (if any) has been fully walked.
type Visitor interface {
	Before(n Node) Action
	After(n Node) Action
}

// VisitorFunc adapts two plain functions into a Visitor; After may be nil,
// in which case it always continues.
type VisitorFunc struct {
	BeforeFn func(Node) Action
	AfterFn  func(Node) Action
}

func (v VisitorFunc) Before(n Node) Action {
	if v.BeforeFn == nil {
		return Continue
	}
	return v.BeforeFn(n)
}

func (v VisitorFunc) After(n Node) Action {
	if v.AfterFn == nil {
		return Continue
	}
	return v.AfterFn(n)
}

type ancestor struct {
	device, inode uint64
}

// Walk performs a depth-first traversal of root, following symlinks and
// pruning at any node whose (device, inode) matches an ancestor already on
// the current path (cycle detection). Permission-denied and not-exist
// errors (a broken symlink, or an entry that vanishes mid-walk) are
// swallowed as non-fatal; any other error propagates and stops the walk.
func Walk(root string, visitor Visitor) error {
	info, err := os.Lstat(root)
	if err != nil {
		return err
	}
	dev, ino, ok := deviceInode(info)
	if !ok {
		return nil
	}
	_, err = walk(root, info, dev, ino, nil, visitor)
	return err
}

func walk(path string, info os.FileInfo, dev, ino uint64, ancestors []ancestor, visitor Visitor) (Action, error) {
	resolvedInfo, resolvedDev, resolvedIno, isDir, skip, err := resolveSymlink(path, info, dev, ino)
	if err != nil {
		return Continue, err
	}
	if skip {
		return Continue, nil
	}

	for _, a := range ancestors {
		if a.device == resolvedDev && a.inode == resolvedIno {
			return Continue, nil
		}
	}

	node := Node{Path: path, Info: resolvedInfo, Device: resolvedDev, Inode: resolvedIno}
	switch visitor.Before(node) {
	case Stop:
		return Stop, nil
	case Return:
		return Return, nil
	case Prune:
		isDir = false
	}

	if isDir {
		entries, err := os.ReadDir(path)
		if err != nil {
			if !isIgnorableError(err) {
				return Continue, err
			}
			entries = nil
		}

		childAncestors := append(ancestors, ancestor{resolvedDev, resolvedIno})
		for _, entry := range entries {
			childPath := filepath.Join(path, entry.Name())
			childInfo, err := entry.Info()
			if err != nil {
				if isIgnorableError(err) {
					continue
				}
				return Continue, err
			}
			childDev, childIno, ok := deviceInode(childInfo)
			if !ok {
				continue
			}
			action, err := walk(childPath, childInfo, childDev, childIno, childAncestors, visitor)
			if err != nil {
				return Continue, err
			}
			if action == Stop {
				return Stop, nil
			}
			if action == Return {
				return Return, nil
			}
		}
	}

	return visitor.After(node), nil
}

// resolveSymlink follows a symlink node to what it points at, reporting the
// resolved info/device/inode and whether the resolved target is itself a
// directory. skip is true when the link is broken or otherwise should be
// silently ignored.
func resolveSymlink(path string, info os.FileInfo, dev, ino uint64) (resolved os.FileInfo, rdev, rino uint64, isDir bool, skip bool, err error) {
	if info.Mode()&os.ModeSymlink == 0 {
		return info, dev, ino, info.IsDir(), false, nil
	}
	target, statErr := os.Stat(path)
	if statErr != nil {
		if isIgnorableError(statErr) {
			return nil, 0, 0, false, true, nil
		}
		return nil, 0, 0, false, false, statErr
	}
	tdev, tino, ok := deviceInode(target)
	if !ok {
		return nil, 0, 0, false, true, nil
	}
	return target, tdev, tino, target.IsDir(), false, nil
}

func isIgnorableError(err error) bool {
	return errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOENT)
}

func deviceInode(info os.FileInfo) (device, inode uint64, ok bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return uint64(stat.Dev), stat.Ino, true
}
