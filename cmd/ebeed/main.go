// Command ebeed is the EBEE cache server: it wires hostcache and ebee
// together and serves the wire protocol over TCP.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/tstromberg/ebee/ebee"
	"github.com/tstromberg/ebee/hostcache"
	"github.com/tstromberg/ebee/internal/wire"
)

func main() {
	addr := flag.String("listen", ":11311", "address to listen on")
	capacity := flag.Int("cap", 1<<20, "maximum tracked item count")
	alpha := flag.Float64("alpha", 0.1, "embedding learning rate")
	convex := flag.Bool("convex", false, "use the convex-combination embedding shift instead of the plain additive one")
	defaultEviction := flag.Bool("default-eviction", false, "use the built-in S3-FIFO fallback instead of EBEE")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cache := newCache(*capacity, float32(*alpha), *convex, *defaultEviction)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		slog.Error("listen failed", "addr", *addr, "error", err)
		os.Exit(1)
	}
	slog.Info("ebeed listening", "addr", *addr, "capacity", *capacity, "default_eviction", *defaultEviction)

	for {
		conn, err := ln.Accept()
		if err != nil {
			slog.Error("accept failed", "error", err)
			continue
		}
		go handleConn(conn, cache)
	}
}

// newCache constructs the hostcache.Cache, plugging in an ebee.Engine
// unless the operator opted into the default fallback evictor instead.
func newCache(capacity int, alpha float32, convex, defaultEviction bool) *hostcache.Cache {
	opts := []hostcache.Option{hostcache.WithSize(capacity)}
	if !defaultEviction {
		engine := ebee.New(capacity, ebee.WithAlpha(alpha), ebee.WithConvexShift(convex))
		opts = append(opts, hostcache.WithEvictor(engine))
	}
	return hostcache.New(opts...)
}

// cacheStore adapts *hostcache.Cache to wire.Store.
type cacheStore struct{ cache *hostcache.Cache }

func (s cacheStore) Get(key string) ([]byte, bool) {
	it, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	return it.Value(), true
}

func (s cacheStore) Set(key string, value []byte) {
	if s.cache.Len() >= s.cache.Capacity() {
		for range 8 {
			if s.cache.FindAndEvict() {
				break
			}
		}
	}
	s.cache.Set(key, value, 0)
}

func handleConn(conn net.Conn, cache *hostcache.Cache) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("connection handler panicked", "remote", conn.RemoteAddr(), "panic", fmt.Sprint(r))
			os.Exit(1)
		}
	}()

	if err := wire.ServeConn(conn, cacheStore{cache}); err != nil {
		slog.Debug("connection closed", "remote", conn.RemoteAddr(), "error", err)
	}
}
