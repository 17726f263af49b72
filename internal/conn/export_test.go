package conn

// Closes reports how many times the underlying websocket was closed.
func (c *Conn) Closes() int {
	return c.closes
}
