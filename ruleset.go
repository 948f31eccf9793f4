package main

import (
	"fmt"
	"net/netip"
	"strings"
)

// families accepted for tables
var families = map[string]bool{
	"ip":     true,
	"ip6":    true,
	"inet":   true,
	"arp":    true,
	"bridge": true,
	"netdev": true,
}

// Ruleset is the typed view of one `nft list ruleset` dump.
// It is built from scratch on every refresh and dropped afterwards.
type Ruleset struct {
	Tables []*Table
	Rules  int

	tables map[tableKey]*Table
}

type tableKey struct {
	family string
	name   string
}

func newRuleset() *Ruleset {
	return &Ruleset{tables: map[tableKey]*Table{}}
}

func (rs *Ruleset) addTable(family, name string) (*Table, error) {
	if !families[family] {
		return nil, fmt.Errorf("%w: table %q has unknown family %q", errParse, name, family)
	}
	key := tableKey{family: family, name: name}
	if t, ok := rs.tables[key]; ok {
		return t, nil
	}
	t := &Table{
		Family:   family,
		Name:     name,
		chains:   map[string]*Chain{},
		counters: map[string]*Counter{},
	}
	rs.tables[key] = t
	rs.Tables = append(rs.Tables, t)
	return t, nil
}

func (rs *Ruleset) table(family, name string) (*Table, error) {
	t, ok := rs.tables[tableKey{family: family, name: name}]
	if !ok {
		return nil, fmt.Errorf("%w: table %s %s is not declared", errParse, family, name)
	}
	return t, nil
}

// Containers returns all sets, maps and meters in dump order.
func (rs *Ruleset) Containers() []*Container {
	var all []*Container
	for _, t := range rs.Tables {
		all = append(all, t.Containers...)
	}
	return all
}

// Table is an nftables table identified by family and name.
type Table struct {
	Family     string
	Name       string
	Chains     []*Chain
	Counters   []*Counter
	Containers []*Container

	// Declared is the number of named counter objects in this table.
	Declared int

	chains   map[string]*Chain
	counters map[string]*Counter
}

// Chain is a base chain when Hook is set.
type Chain struct {
	Name  string
	Hook  string
	Rules int
}

func (t *Table) addChain(c *Chain) {
	if _, ok := t.chains[c.Name]; ok {
		return
	}
	t.chains[c.Name] = c
	t.Chains = append(t.Chains, c)
}

func (t *Table) chain(name string) (*Chain, error) {
	c, ok := t.chains[name]
	if !ok {
		return nil, fmt.Errorf("%w: chain %q is not declared in table %s %s", errParse, name, t.Family, t.Name)
	}
	return c, nil
}

// counterOrigin tells where a counter identity came from.
type counterOrigin int

const (
	// counterNamed is a counter object declared in the ruleset.
	counterNamed counterOrigin = iota
	// counterComment is an inline rule counter named by the rule comment.
	counterComment
)

func (o counterOrigin) String() string {
	if o == counterComment {
		return "comment"
	}
	return "named"
}

// Stats are the packet and byte values of a counter.
type Stats struct {
	Packets uint64
	Bytes   uint64
}

// Counter is one metric identity within a table.
//
// Named counter names and rule comments share one namespace per table. A declared
// counter keeps its values over a rule comment of the same name, and among rule
// comments the last one wins. Nothing detects these collisions.
type Counter struct {
	Name   string
	Origin counterOrigin
	Stats
}

// setCounter records a counter under its name, replacing any values already stored
// for the same name.
func (t *Table) setCounter(name string, origin counterOrigin, stats Stats) *Counter {
	c, ok := t.counters[name]
	if !ok {
		c = &Counter{Name: name}
		t.counters[name] = c
		t.Counters = append(t.Counters, c)
	}
	c.Origin = origin
	c.Stats = stats
	return c
}

func (t *Table) namedCounter(name string) (*Counter, bool) {
	c, ok := t.counters[name]
	if !ok || c.Origin != counterNamed {
		return nil, false
	}
	return c, true
}

// containerKind is one of the element holding object kinds.
type containerKind int

const (
	kindSet containerKind = iota
	kindMap
	kindMeter
)

var containerKinds = []containerKind{kindSet, kindMap, kindMeter}

func (k containerKind) String() string {
	switch k {
	case kindMap:
		return "map"
	case kindMeter:
		return "meter"
	default:
		return "set"
	}
}

// containerRef identifies a set, map or meter for element resolution.
type containerRef struct {
	Kind   containerKind
	Family string
	Table  string
	Name   string
}

func (r containerRef) String() string {
	return fmt.Sprintf("%s %s %s %s", r.Kind, r.Family, r.Table, r.Name)
}

// Container is a set, map or meter with its elements.
type Container struct {
	containerRef
	// Types holds the key type, more than one entry for concatenations.
	Types    []string
	Elements []Element
}

// Type renders the key type the way nft prints it.
func (c *Container) Type() string {
	return strings.Join(c.Types, " . ")
}

// addressIndex returns the position of the first address typed key component,
// or -1 if the key carries no address.
func (c *Container) addressIndex() int {
	for i, t := range c.Types {
		if t == "ipv4_addr" || t == "ipv6_addr" {
			return i
		}
	}
	return -1
}

// Element is a single entry of a container.
type Element struct {
	Key     string
	Address netip.Addr
	Counter *Stats
	Country string
}
