package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oschwald/geoip2-golang"
)

const geoCacheSize = 8192

// countryReader is implemented by *geoip2.Reader.
type countryReader interface {
	Country(ip net.IP) (*geoip2.Country, error)
	Close() error
}

func openGeoIP2(path string) (countryReader, error) {
	return geoip2.Open(path)
}

// geoIP resolves addresses to ISO country codes. Without a database every
// lookup yields "".
type geoIP struct {
	mu     sync.RWMutex
	reader countryReader
	path   string

	open   func(path string) (countryReader, error)
	logger *slog.Logger
}

func newGeoIP(logger *slog.Logger) *geoIP {
	return &geoIP{
		open:   openGeoIP2,
		logger: logger,
	}
}

// Open loads the database at path, replacing any database loaded before. The
// path is remembered even if it cannot be opened yet, so Watch picks the file
// up once it appears.
func (g *geoIP) Open(path string) error {
	g.mu.Lock()
	g.path = path
	g.mu.Unlock()

	reader, err := g.open(path)
	if err != nil {
		return fmt.Errorf("failed to open GeoIP database %s: %w", path, err)
	}

	g.mu.Lock()
	old := g.reader
	g.reader = reader
	g.mu.Unlock()

	if old != nil {
		old.Close()
	}
	g.logger.Info("geoip database loaded", "path", path)
	return nil
}

// Reload reopens the current database file.
func (g *geoIP) Reload() error {
	g.mu.RLock()
	path := g.path
	g.mu.RUnlock()
	if path == "" {
		return nil
	}
	return g.Open(path)
}

// Close releases the database.
func (g *geoIP) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reader == nil {
		return nil
	}
	err := g.reader.Close()
	g.reader = nil
	return err
}

// Enabled reports whether a database is loaded.
func (g *geoIP) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reader != nil
}

func (g *geoIP) country(addr netip.Addr) string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.reader == nil {
		return ""
	}
	record, err := g.reader.Country(net.IP(addr.AsSlice()))
	if err != nil {
		g.logger.Debug("geoip lookup failed", "address", addr, "error", err)
		return ""
	}
	return record.Country.IsoCode
}

// Watch reopens the database whenever its file is replaced or rewritten.
// It returns when ctx is done.
func (g *geoIP) Watch(ctx context.Context) error {
	g.mu.RLock()
	path := filepath.Clean(g.path)
	g.mu.RUnlock()
	if path == "." {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		g.logger.Error("unable to watch geoip database", "error", err)
		return nil
	}
	defer watcher.Close()

	// watch the directory, downloads replace the file by rename
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		g.logger.Error("unable to watch geoip database", "path", path, "error", err)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Create|fsnotify.Write) {
				continue
			}
			if err := g.Reload(); err != nil {
				g.logger.Error("geoip database reload failed, keeping previous", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.logger.Warn("geoip watcher error", "error", err)
		}
	}
}

// lookup returns a cache for one refresh cycle.
func (g *geoIP) lookup() *geoLookup {
	if g == nil || !g.Enabled() {
		return nil
	}
	cache, _ := lru.New[netip.Addr, string](geoCacheSize)
	return &geoLookup{geo: g, cache: cache}
}

// geoLookup serves repeated lookups within a cycle from memory. A nil
// *geoLookup means geo annotation is disabled.
type geoLookup struct {
	geo   *geoIP
	cache *lru.Cache[netip.Addr, string]

	hits, misses int
}

// Lookup returns the country code of addr or "".
func (l *geoLookup) Lookup(addr netip.Addr) string {
	if l == nil || !addr.IsValid() {
		return ""
	}
	addr = addr.Unmap()
	if country, ok := l.cache.Get(addr); ok {
		l.hits++
		return country
	}
	l.misses++
	country := l.geo.country(addr)
	l.cache.Add(addr, country)
	return country
}

// annotate attaches country labels to the elements of address keyed containers.
func annotate(rs *Ruleset, lookup *geoLookup) {
	if lookup == nil {
		return
	}
	for _, c := range rs.Containers() {
		if c.addressIndex() < 0 {
			continue
		}
		for i := range c.Elements {
			c.Elements[i].Country = lookup.Lookup(c.Elements[i].Address)
		}
	}
}
