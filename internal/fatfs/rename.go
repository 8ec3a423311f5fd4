package fatfs

import (
	"errors"
	"fmt"

	"fatfuse/internal/fatlib"
)

// destination is the entry a rename would replace.
type destination struct {
	ent  fatlib.Entry
	node Node // cached node, nil when resolved from disk
}

// Rename moves src in srcDir to dst in dstDir, replacing an existing
// destination of the same kind. Either directory that is not a *Dir of
// this volume fails with ErrInvalidArgs.
//
// Validation happens before any disk access. The on-disk rename is the
// only step that can fail after that; cache bookkeeping follows it and
// cannot fail.
func (v *Volume) Rename(srcDir Node, src string, dstDir Node, dst string) error {
	sd, ok := srcDir.(*Dir)
	if !ok || sd == nil || sd.vol != v {
		return newError(OpRename, src, fmt.Errorf("%w: source is not a directory of this volume", ErrInvalidArgs))
	}
	dd, ok := dstDir.(*Dir)
	if !ok || dd == nil || dd.vol != v {
		return newError(OpRename, dst, fmt.Errorf("%w: destination is not a directory of this volume", ErrInvalidArgs))
	}
	return v.do(OpRename, src, func(l *Locked, c *Closer) error {
		return v.rename(l, c, sd, src, dd, dst)
	})
}

func (v *Volume) rename(l *Locked, c *Closer, sd *Dir, src string, dd *Dir, dst string) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	srcName, srcMustDir, err := parseName(src)
	if err != nil {
		return err
	}
	dstName, dstMustDir, err := parseName(dst)
	if err != nil {
		return err
	}

	// Classify the source.
	if err := c.Open(l, sd); err != nil {
		return err
	}
	ent, err := sd.findChild(srcName)
	if err != nil {
		return err
	}
	if (srcMustDir || dstMustDir) && !ent.IsDir {
		return fmt.Errorf("%w: %q", ErrNotDir, ent.Name)
	}

	srcNode := sd.cacheGet(ent.Name)

	if sd == dd && foldName(srcName) == foldName(dstName) {
		if srcName == dstName || ent.Name == dstName {
			return nil
		}
		return v.fixCase(l, c, sd, ent, srcNode, dstName)
	}

	if srcNode != nil && ent.IsDir {
		for p := dd; p != nil; p = p.parent {
			if Node(p) == srcNode {
				return fmt.Errorf("%w: cannot move %q inside itself", ErrInvalidArgs, ent.Name)
			}
		}
	}

	if srcNode != nil && srcNode.base().opens > 0 {
		if err := srcNode.flushEntry(); err != nil {
			return err
		}
	}

	if err := c.Open(l, dd); err != nil {
		return err
	}
	target, err := resolveDestination(l, c, dd, dstName)
	if err != nil {
		return err
	}
	if target != nil {
		switch {
		case ent.IsDir && !target.ent.IsDir:
			return fmt.Errorf("%w: %q", ErrNotDir, target.ent.Name)
		case !ent.IsDir && target.ent.IsDir:
			return fmt.Errorf("%w: %q is a directory", ErrNotFile, target.ent.Name)
		}
	}

	if err := renameOnDisk(sd, ent, dd, dstName, target); err != nil {
		return err
	}
	l.MarkDirty()

	// Nothing below can fail.
	if target != nil && target.node != nil {
		tb := target.node.base()
		tb.deleted = true
		delete(dd.children, foldName(tb.name))
	}
	sd.didRemove(l, c, ent.Name)
	if srcNode != nil {
		b := srcNode.base()
		if b.opens > 0 && sd != dd {
			// dd is held open by c, so this reference needs no handle.
			dd.opens++
			c.adopt(sd)
		}
		b.parent = dd
		b.name = dstName
	}
	dd.didAdd(l, c, dstName, srcNode)

	volLogger.Debug("Renamed %q to %q", ent.Name, dstName)
	return nil
}

// fixCase rewrites the stored case of an entry in place.
func (v *Volume) fixCase(l *Locked, c *Closer, d *Dir, ent fatlib.Entry, n Node, name string) error {
	if n != nil && n.base().opens > 0 {
		if err := n.flushEntry(); err != nil {
			return err
		}
	}
	if err := d.handle.Rename(ent.Name, d.handle, name); err != nil {
		return err
	}
	l.MarkDirty()

	if n != nil {
		n.base().name = name
	}
	if w := v.watcher; w != nil {
		c.Defer(func() {
			w.DidRemove(d, ent.Name)
			w.DidAdd(d, name)
		})
	}
	return nil
}

// resolveDestination finds what dstName in dd currently names, if
// anything. A cached destination is opened through c so its handle can be
// handed to the library.
func resolveDestination(l *Locked, c *Closer, dd *Dir, dstName string) (*destination, error) {
	if n := dd.cacheGet(dstName); n != nil {
		if err := c.Open(l, n); err != nil {
			return nil, err
		}
		ent, err := n.handleStat()
		if err != nil {
			return nil, err
		}
		return &destination{ent: ent, node: n}, nil
	}
	ent, err := dd.findChild(dstName)
	if err != nil {
		if errors.Is(err, fatlib.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &destination{ent: ent}, nil
}

func renameOnDisk(sd *Dir, ent fatlib.Entry, dd *Dir, dstName string, target *destination) error {
	if target == nil {
		return sd.handle.Rename(ent.Name, dd.handle, dstName)
	}

	if target.ent.IsDir {
		var h fatlib.Dir
		if target.node != nil {
			h = target.node.(*Dir).handle
		} else {
			var err error
			if h, err = dd.handle.OpenDir(target.ent.Name); err != nil {
				return err
			}
			defer closeTransient(h)
		}
		return sd.handle.RenameOverDir(ent.Name, dd.handle, dstName, h)
	}

	var h fatlib.File
	if target.node != nil {
		h = target.node.(*File).handle
	} else {
		var err error
		if h, err = dd.handle.OpenFile(target.ent.Name); err != nil {
			return err
		}
		defer closeTransient(h)
	}
	return sd.handle.RenameOverFile(ent.Name, dd.handle, dstName, h)
}

// closeTransient closes a library handle that never belonged to a node.
// The caller holds the lock.
func closeTransient(h fatlib.Handle) {
	if err := h.Close(); err != nil {
		volLogger.Warn("Closing transient handle: %v", err)
	}
}
