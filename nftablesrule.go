package main

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Rule - the parts of a chain rule that matter for counters
type Rule struct {
	Chain   string
	Table   string
	Family  string
	Comment string
	// CounterRef names a declared counter object, `counter name <x>`.
	CounterRef string
	// Inline is set for an anonymous counter statement.
	Inline *Stats
}

// NewRule is Rule constructor
func NewRule(value gjson.Result) (Rule, error) {
	v, err := required("rule", value, "family", "table", "chain")
	if err != nil {
		return Rule{}, err
	}
	rule := Rule{
		Family:  v[0],
		Table:   v[1],
		Chain:   v[2],
		Comment: value.Get("comment").String(),
	}
	counter := value.Get("expr.#.counter|0")
	switch {
	case counter.Type == gjson.String:
		rule.CounterRef = counter.String()
	case counter.IsObject():
		rule.Inline = &Stats{
			Packets: counter.Get("packets").Uint(),
			Bytes:   counter.Get("bytes").Uint(),
		}
	}
	return rule, nil
}

// Mining "rule": {} objects
//
// A reference to a declared counter leaves the counter as read from its object,
// so several rules sharing it are not summed. An inline counter is exported under
// the rule comment unless a declared counter already owns that name; rules
// repeating a comment overwrite each other.
func (nft *nftables) mineRule(value gjson.Result) error {
	rule, err := NewRule(value)
	if err != nil {
		return err
	}
	table, err := nft.rs.table(rule.Family, rule.Table)
	if err != nil {
		return err
	}
	chain, err := table.chain(rule.Chain)
	if err != nil {
		return fmt.Errorf("rule %s: %w", value.Get("handle").String(), err)
	}
	chain.Rules++
	nft.rs.Rules++

	if rule.CounterRef != "" {
		if _, ok := table.namedCounter(rule.CounterRef); ok {
			return nil
		}
	}
	if rule.Inline == nil || rule.Comment == "" {
		return nil
	}
	if _, ok := table.namedCounter(rule.Comment); ok {
		return nil
	}
	table.setCounter(rule.Comment, counterComment, *rule.Inline)
	return nil
}
