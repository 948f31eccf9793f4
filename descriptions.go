package main

import "github.com/prometheus/client_golang/prometheus"

// metricInfo ties a descriptor to its value type so samples can be rendered
// without further lookups.
type metricInfo struct {
	desc      *prometheus.Desc
	name      string
	valueType prometheus.ValueType
	labels    []string
}

func newMetric(namespace, name, help string, t prometheus.ValueType, labels ...string) *metricInfo {
	fqName := prometheus.BuildFQName(namespace, "", name)
	return &metricInfo{
		desc:      prometheus.NewDesc(fqName, help, labels, nil),
		name:      fqName,
		valueType: t,
		labels:    labels,
	}
}

// descriptions holds every metric derived from a ruleset.
type descriptions struct {
	tables   *metricInfo
	chains   *metricInfo
	rules    *metricInfo
	counters *metricInfo
	objects  map[containerKind]*metricInfo

	tableChains *metricInfo
	chainRules  *metricInfo

	counterPackets *metricInfo
	counterBytes   *metricInfo

	elements       map[containerKind]*metricInfo
	elementPackets map[containerKind]*metricInfo
	elementBytes   map[containerKind]*metricInfo

	snapshotTimestamp *metricInfo

	byName map[string]*metricInfo
}

func newDescriptions(namespace string) *descriptions {
	d := &descriptions{
		tables:   newMetric(namespace, "tables", "Number of tables in nftables ruleset", prometheus.GaugeValue),
		chains:   newMetric(namespace, "chains", "Number of chains in nftables ruleset", prometheus.GaugeValue),
		rules:    newMetric(namespace, "rules", "Number of rules in nftables ruleset", prometheus.GaugeValue),
		counters: newMetric(namespace, "counters", "Number of named counters in nftables ruleset", prometheus.GaugeValue),
		objects: map[containerKind]*metricInfo{
			kindSet:   newMetric(namespace, "sets", "Number of named sets in nftables ruleset", prometheus.GaugeValue),
			kindMap:   newMetric(namespace, "maps", "Number of named maps in nftables ruleset", prometheus.GaugeValue),
			kindMeter: newMetric(namespace, "meters", "Number of meters in nftables ruleset", prometheus.GaugeValue),
		},
		tableChains: newMetric(namespace, "table_chains", "Count chains in table",
			prometheus.GaugeValue, "family", "name"),
		chainRules: newMetric(namespace, "chain_rules", "Count rules in chain",
			prometheus.GaugeValue, "family", "table", "name", "hook"),
		counterPackets: newMetric(namespace, "counter_packets",
			"Packet value of named nftables counters and commented rule counters",
			prometheus.CounterValue, "family", "table", "name"),
		counterBytes: newMetric(namespace, "counter_bytes",
			"Byte value of named nftables counters and commented rule counters",
			prometheus.CounterValue, "family", "table", "name"),
		elements:       map[containerKind]*metricInfo{},
		elementPackets: map[containerKind]*metricInfo{},
		elementBytes:   map[containerKind]*metricInfo{},
		snapshotTimestamp: newMetric(namespace, "snapshot_timestamp_seconds",
			"Unix time the served ruleset snapshot was taken", prometheus.GaugeValue),
	}
	for _, kind := range containerKinds {
		d.elements[kind] = newMetric(namespace, kind.String()+"_elements",
			"Element count of named nftables "+kind.String()+"s",
			prometheus.GaugeValue, "family", "table", "name", "type", "country")
		d.elementPackets[kind] = newMetric(namespace, kind.String()+"_element_packets",
			"Packets matched by elements of named nftables "+kind.String()+"s",
			prometheus.CounterValue, "family", "table", "name")
		d.elementBytes[kind] = newMetric(namespace, kind.String()+"_element_bytes",
			"Bytes matched by elements of named nftables "+kind.String()+"s",
			prometheus.CounterValue, "family", "table", "name")
	}

	d.byName = map[string]*metricInfo{}
	for _, m := range d.all() {
		d.byName[m.name] = m
	}
	return d
}

func (d *descriptions) all() []*metricInfo {
	all := []*metricInfo{d.tables, d.chains, d.rules, d.counters, d.tableChains, d.chainRules,
		d.counterPackets, d.counterBytes, d.snapshotTimestamp}
	for _, kind := range containerKinds {
		all = append(all, d.objects[kind], d.elements[kind], d.elementPackets[kind], d.elementBytes[kind])
	}
	return all
}
