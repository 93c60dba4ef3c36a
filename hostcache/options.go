package hostcache

// config holds construction-time settings for a Cache.
type config struct {
	size    int
	evictor Evictor
}

func defaultConfig() *config {
	return &config{size: 16384}
}

// Option configures a Cache at construction time.
type Option func(*config)

// WithSize sets the maximum number of items the cache (and its default
// evictor, if no Evictor is plugged in) targets.
func WithSize(n int) Option {
	return func(c *config) { c.size = n }
}

// WithEvictor plugs in the eviction policy — normally an *ebee.Engine.
// Without it, Cache falls back to its own default S3-FIFO-derived policy.
func WithEvictor(e Evictor) Option {
	return func(c *config) { c.evictor = e }
}
