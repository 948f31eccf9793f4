package main

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/tidwall/gjson"
)

// objectKind tags a top level entry of the nftables JSON array.
type objectKind int

const (
	objectUnknown objectKind = iota
	objectMetainfo
	objectTable
	objectChain
	objectRule
	objectCounter
	objectSet
	objectMap
	objectMeter
	objectIgnored
)

// ignoredObjects are valid nft objects that carry nothing we export.
var ignoredObjects = map[string]bool{
	"quota":          true,
	"limit":          true,
	"flowtable":      true,
	"secmark":        true,
	"synproxy":       true,
	"ct helper":      true,
	"ct timeout":     true,
	"ct expectation": true,
	"element":        true,
	"tunnel":         true,
}

// classify returns the kind tag and body of one entry. Every entry is an
// object with exactly one key.
func classify(item gjson.Result) (objectKind, string, gjson.Result) {
	if !item.IsObject() {
		return objectUnknown, item.Raw, gjson.Result{}
	}
	var (
		key  string
		body gjson.Result
		keys int
	)
	item.ForEach(func(k, v gjson.Result) bool {
		key, body = k.String(), v
		keys++
		return true
	})
	if keys != 1 {
		return objectUnknown, item.Raw, gjson.Result{}
	}
	switch key {
	case "metainfo":
		return objectMetainfo, key, body
	case "table":
		return objectTable, key, body
	case "chain":
		return objectChain, key, body
	case "rule":
		return objectRule, key, body
	case "counter":
		return objectCounter, key, body
	case "set":
		return objectSet, key, body
	case "map":
		return objectMap, key, body
	case "meter":
		return objectMeter, key, body
	}
	if ignoredObjects[key] {
		return objectIgnored, key, body
	}
	return objectUnknown, key, body
}

// nftables walks one ruleset document.
type nftables struct {
	rs    *Ruleset
	rules []gjson.Result
}

// parseRuleset builds the model from the `nftables` array of a dump. Containers
// are left without elements, see resolveElements.
func parseRuleset(doc gjson.Result) (*Ruleset, error) {
	if !doc.IsArray() {
		return nil, fmt.Errorf("%w: expected an array of objects", errParse)
	}
	nft := nftables{rs: newRuleset()}

	var err error
	doc.ForEach(func(_, item gjson.Result) bool {
		kind, key, body := classify(item)
		switch kind {
		case objectMetainfo, objectIgnored:
		case objectTable:
			err = nft.mineTable(body)
		case objectChain:
			err = nft.mineChain(body)
		case objectRule:
			// rules can reference counters declared after them
			nft.rules = append(nft.rules, body)
		case objectCounter:
			err = nft.mineCounter(body)
		case objectSet:
			err = nft.mineContainer(kindSet, body)
		case objectMap:
			err = nft.mineContainer(kindMap, body)
		case objectMeter:
			err = nft.mineContainer(kindMeter, body)
		default:
			err = fmt.Errorf("%w: unknown object %q", errParse, key)
		}
		return err == nil
	})
	if err != nil {
		return nil, err
	}

	for _, rule := range nft.rules {
		if err := nft.mineRule(rule); err != nil {
			return nil, err
		}
	}
	return nft.rs, nil
}

// required returns the string values of the given keys or a parse error naming
// the first missing one.
func required(kind string, value gjson.Result, keys ...string) ([]string, error) {
	values := make([]string, 0, len(keys))
	for _, key := range keys {
		v := value.Get(key)
		if !v.Exists() || v.String() == "" {
			return nil, fmt.Errorf("%w: %s without %q: %s", errParse, kind, key, value.Raw)
		}
		values = append(values, v.String())
	}
	return values, nil
}

// Mining "table": {} objects
func (nft *nftables) mineTable(value gjson.Result) error {
	v, err := required("table", value, "family", "name")
	if err != nil {
		return err
	}
	_, err = nft.rs.addTable(v[0], v[1])
	return err
}

// Mining "chain": {} objects
func (nft *nftables) mineChain(value gjson.Result) error {
	v, err := required("chain", value, "family", "table", "name")
	if err != nil {
		return err
	}
	table, err := nft.rs.table(v[0], v[1])
	if err != nil {
		return err
	}
	table.addChain(&Chain{
		Name: v[2],
		Hook: value.Get("hook").String(),
	})
	return nil
}

// Mining "counter": {} objects
func (nft *nftables) mineCounter(value gjson.Result) error {
	v, err := required("counter", value, "family", "table", "name")
	if err != nil {
		return err
	}
	table, err := nft.rs.table(v[0], v[1])
	if err != nil {
		return err
	}
	table.Declared++
	table.setCounter(v[2], counterNamed, Stats{
		Packets: value.Get("packets").Uint(),
		Bytes:   value.Get("bytes").Uint(),
	})
	return nil
}

// Mining "set": {}, "map": {} and "meter": {} objects
func (nft *nftables) mineContainer(kind containerKind, value gjson.Result) error {
	v, err := required(kind.String(), value, "family", "table", "name")
	if err != nil {
		return err
	}
	table, err := nft.rs.table(v[0], v[1])
	if err != nil {
		return err
	}
	types := mineTypes(value.Get("type"))
	if len(types) == 0 {
		return fmt.Errorf("%w: %s %s %s %s without type", errParse, kind, v[0], v[1], v[2])
	}
	table.Containers = append(table.Containers, &Container{
		containerRef: containerRef{Kind: kind, Family: v[0], Table: v[1], Name: v[2]},
		Types:        types,
	})
	return nil
}

// mineTypes reads a plain or concatenated key type.
func mineTypes(value gjson.Result) []string {
	switch {
	case value.Type == gjson.String:
		return []string{value.String()}
	case value.IsArray():
		var types []string
		for _, t := range value.Array() {
			types = append(types, t.String())
		}
		return types
	}
	return nil
}

// resolveElements fetches the elements of every container, one query each.
func resolveElements(ctx context.Context, source rulesetSource, rs *Ruleset) error {
	for _, c := range rs.Containers() {
		obj, err := source.FetchElements(ctx, c.containerRef)
		if err != nil {
			return err
		}
		if err := c.mineElements(obj.Get("elem")); err != nil {
			return err
		}
	}
	return nil
}

// mineElements replaces the elements of the container with the given listing.
func (c *Container) mineElements(elems gjson.Result) error {
	c.Elements = nil
	if !elems.Exists() {
		return nil
	}
	if !elems.IsArray() {
		return fmt.Errorf("%w: elements of %s are not a list", errParse, c.containerRef)
	}
	addr := c.addressIndex()
	for _, raw := range elems.Array() {
		el, err := c.mineElement(raw, addr)
		if err != nil {
			return err
		}
		c.Elements = append(c.Elements, el)
	}
	return nil
}

func (c *Container) mineElement(value gjson.Result, addr int) (Element, error) {
	var el Element
	// map entries are [key, data] pairs
	if c.Kind == kindMap && value.IsArray() {
		pair := value.Array()
		if len(pair) != 2 {
			return el, fmt.Errorf("%w: malformed entry in %s: %s", errParse, c.containerRef, value.Raw)
		}
		value = pair[0]
	}
	if wrapped := value.Get("elem"); value.IsObject() && wrapped.Exists() {
		counter := wrapped.Get("counter")
		if !counter.Exists() {
			counter = wrapped.Get("stmt.#.counter|0")
		}
		if counter.IsObject() {
			el.Counter = &Stats{
				Packets: counter.Get("packets").Uint(),
				Bytes:   counter.Get("bytes").Uint(),
			}
		}
		value = wrapped.Get("val")
	}
	if !value.Exists() {
		return el, fmt.Errorf("%w: element without value in %s", errParse, c.containerRef)
	}
	el.Key = renderValue(value)
	if addr >= 0 {
		el.Address = mineAddress(value, addr)
	}
	return el, nil
}

// renderValue prints an element key close to nft's own notation.
func renderValue(value gjson.Result) string {
	switch value.Type {
	case gjson.String, gjson.Number:
		return value.String()
	case gjson.JSON:
		if prefix := value.Get("prefix"); prefix.Exists() {
			return subnetToString(prefix)
		}
		if rng := value.Get("range"); rng.IsArray() {
			bounds := rng.Array()
			if len(bounds) == 2 {
				return renderValue(bounds[0]) + "-" + renderValue(bounds[1])
			}
		}
		if concat := value.Get("concat"); concat.IsArray() {
			var parts []string
			for _, part := range concat.Array() {
				parts = append(parts, renderValue(part))
			}
			return strings.Join(parts, " . ")
		}
	}
	return value.Raw
}

func subnetToString(prefix gjson.Result) string {
	return fmt.Sprintf("%s/%s", prefix.Get("addr").String(), prefix.Get("len").String())
}

// mineAddress extracts the address at key position idx. Ranges yield their start,
// prefixes their network address.
func mineAddress(value gjson.Result, idx int) netip.Addr {
	if concat := value.Get("concat"); value.IsObject() && concat.IsArray() {
		parts := concat.Array()
		if idx >= len(parts) {
			return netip.Addr{}
		}
		return mineAddress(parts[idx], 0)
	}
	if idx != 0 {
		return netip.Addr{}
	}
	switch value.Type {
	case gjson.String:
		return parseAddr(value.String())
	case gjson.JSON:
		if prefix := value.Get("prefix"); prefix.Exists() {
			return parseAddr(prefix.Get("addr").String())
		}
		if rng := value.Get("range"); rng.IsArray() {
			return mineAddress(rng.Get("0"), 0)
		}
	}
	return netip.Addr{}
}

func parseAddr(s string) netip.Addr {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}
