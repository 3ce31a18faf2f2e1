package ws

import "time"

// Option applies a configuration option to a Conn.
type Option func(*Conn)

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithReadLimit caps the size of inbound frames.
func WithReadLimit(n int64) Option {
	return func(c *Conn) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// WithInboxSize sets how many decoded frames may wait for Receive.
func WithInboxSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.inboxSize = n
		}
	}
}

// HandlerOption applies a configuration option to the Handler.
type HandlerOption func(*Handler)

// WithConnOptions applies opts to every accepted connection.
func WithConnOptions(opts ...Option) HandlerOption {
	return func(h *Handler) {
		h.connOpts = append(h.connOpts, opts...)
	}
}

// WithRetryable marks admission errors that should tell the client to come
// back later instead of giving up.
func WithRetryable(errs ...error) HandlerOption {
	return func(h *Handler) {
		h.retryable = append(h.retryable, errs...)
	}
}
