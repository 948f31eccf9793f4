package main

import (
	"slices"
	"strings"
)

// Sample is one value of a metric, detached from the ruleset it came from.
type Sample struct {
	Name   string
	Labels []string
	Value  float64
}

// builder derives samples from a ruleset.
type builder struct {
	descs *descriptions
}

func newBuilder(descs *descriptions) *builder {
	return &builder{descs: descs}
}

// Build returns the samples for rs sorted by name and label values. It does no
// I/O and the same ruleset always yields the same samples.
func (b *builder) Build(rs *Ruleset) []Sample {
	var (
		samples                    []Sample
		tables, chains, rules, cnt int
		objects                    = map[containerKind]int{}
	)
	if rs != nil {
		tables = len(rs.Tables)
		rules = rs.Rules
		for _, t := range rs.Tables {
			chains += len(t.Chains)
			cnt += t.Declared
			samples = append(samples, b.sample(b.descs.tableChains, float64(len(t.Chains)), t.Family, t.Name))
			for _, c := range t.Chains {
				samples = append(samples, b.sample(b.descs.chainRules, float64(c.Rules), t.Family, t.Name, c.Name, c.Hook))
			}
			for _, c := range t.Counters {
				samples = append(samples,
					b.sample(b.descs.counterPackets, float64(c.Packets), t.Family, t.Name, c.Name),
					b.sample(b.descs.counterBytes, float64(c.Bytes), t.Family, t.Name, c.Name),
				)
			}
			for _, c := range t.Containers {
				objects[c.Kind]++
				samples = append(samples, b.containerSamples(c)...)
			}
		}
	}

	samples = append(samples,
		b.sample(b.descs.tables, float64(tables)),
		b.sample(b.descs.chains, float64(chains)),
		b.sample(b.descs.rules, float64(rules)),
		b.sample(b.descs.counters, float64(cnt)),
	)
	for _, kind := range containerKinds {
		samples = append(samples, b.sample(b.descs.objects[kind], float64(objects[kind])))
	}

	slices.SortFunc(samples, func(x, y Sample) int {
		if n := strings.Compare(x.Name, y.Name); n != 0 {
			return n
		}
		return slices.Compare(x.Labels, y.Labels)
	})
	return samples
}

// containerSamples counts elements per country and sums element counters.
// An empty container still reports a zero count.
func (b *builder) containerSamples(c *Container) []Sample {
	countries := map[string]int{}
	if len(c.Elements) == 0 {
		countries[""] = 0
	}
	var (
		stats      Stats
		hasCounter bool
	)
	for _, el := range c.Elements {
		countries[el.Country]++
		if el.Counter != nil {
			hasCounter = true
			stats.Packets += el.Counter.Packets
			stats.Bytes += el.Counter.Bytes
		}
	}

	var samples []Sample
	for country, n := range countries {
		samples = append(samples, b.sample(b.descs.elements[c.Kind], float64(n), c.Family, c.Table, c.Name, c.Type(), country))
	}
	if hasCounter {
		samples = append(samples,
			b.sample(b.descs.elementPackets[c.Kind], float64(stats.Packets), c.Family, c.Table, c.Name),
			b.sample(b.descs.elementBytes[c.Kind], float64(stats.Bytes), c.Family, c.Table, c.Name),
		)
	}
	return samples
}

func (b *builder) sample(m *metricInfo, value float64, labels ...string) Sample {
	return Sample{Name: m.name, Labels: labels, Value: value}
}
