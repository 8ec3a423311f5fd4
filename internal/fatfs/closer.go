package fatfs

// Closer batches releases that must run after the volume lock is dropped.
// Closing a node may need the lock, so nodes opened while it is held are
// released here instead. Deferred work such as watch notifications is run
// after the releases.
type Closer struct {
	nodes []Node
	funcs []func()
}

// Open takes an open reference on n that is released by Close.
func (c *Closer) Open(l *Locked, n Node) error {
	if err := openRef(l, n); err != nil {
		return err
	}
	c.nodes = append(c.nodes, n)
	return nil
}

// Defer queues fn to run once the batch is released.
func (c *Closer) Defer(fn func()) {
	c.funcs = append(c.funcs, fn)
}

// Close releases every reference and runs deferred work. It must not be
// called with the volume lock held.
func (c *Closer) Close() {
	for i := len(c.nodes) - 1; i >= 0; i-- {
		c.nodes[i].CloseRef()
	}
	for _, fn := range c.funcs {
		fn()
	}
	c.nodes = nil
	c.funcs = nil
}

// adopt hands an open reference the caller already holds to the batch.
func (c *Closer) adopt(n Node) {
	c.nodes = append(c.nodes, n)
}
