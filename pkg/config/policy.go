package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"gatekeeper/pkg/admission"
)

// policyDocument is the YAML shape of the policy file.
//
//	default:
//	  strategy: sliding_window
//	  windows:
//	    - window: 1m
//	      limit: 100
//	    - window: 1h
//	      limit: 2000
//	  burst: 20
//	  burst_window: 10s
//	  block_duration: 0s
//	global:
//	  windows:
//	    - window: 1m
//	      limit: 300
//	routes:
//	  /auth/login:
//	    windows:
//	      - window: 1m
//	        limit: 5
//	    block_duration: 15m
//	prefixes:
//	  /api/:
//	    strategy: token_bucket
//	    windows:
//	      - window: 1m
//	        limit: 120
type policyDocument struct {
	Default  *policyEntry            `yaml:"default"`
	Global   *policyEntry            `yaml:"global"`
	Routes   map[string]*policyEntry `yaml:"routes"`
	Prefixes map[string]*policyEntry `yaml:"prefixes"`
}

type policyEntry struct {
	Strategy      string        `yaml:"strategy"`
	Windows       []windowEntry `yaml:"windows"`
	Burst         int           `yaml:"burst"`
	BurstWindow   string        `yaml:"burst_window"`
	BlockDuration string        `yaml:"block_duration"`
	Allowlist     []string      `yaml:"allowlist"`
	Blocklist     []string      `yaml:"blocklist"`
}

type windowEntry struct {
	Window string `yaml:"window"`
	Limit  int    `yaml:"limit"`
}

// LoadPolicyResolver reads and validates the policy file at path. An empty
// path yields the built-in default table. Any invalid entry is fatal.
func LoadPolicyResolver(path string) (*admission.PolicyResolver, error) {
	if path == "" {
		return admission.NewPolicyResolver(DefaultPolicyTable())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	table, err := ParsePolicyTable(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return admission.NewPolicyResolver(table)
}

// ParsePolicyTable decodes a YAML policy document into a table. Missing
// default or global sections fall back to the built-in defaults; route and
// prefix entries must be complete.
func ParsePolicyTable(data []byte) (admission.PolicyTable, error) {
	var doc policyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return admission.PolicyTable{}, fmt.Errorf("parse yaml: %w", err)
	}

	builtin := DefaultPolicyTable()
	table := admission.PolicyTable{
		Default: builtin.Default,
		Global:  builtin.Global,
	}

	if doc.Default != nil {
		p, err := buildPolicy("default", doc.Default)
		if err != nil {
			return admission.PolicyTable{}, err
		}
		table.Default = p
	}
	if doc.Global != nil {
		p, err := buildPolicy("global", doc.Global)
		if err != nil {
			return admission.PolicyTable{}, err
		}
		table.Global = p
	}

	if len(doc.Routes) > 0 {
		table.Exact = make(map[string]*admission.Policy, len(doc.Routes))
		for path, entry := range doc.Routes {
			p, err := buildPolicy("route "+path, entry)
			if err != nil {
				return admission.PolicyTable{}, err
			}
			table.Exact[path] = p
		}
	}
	if len(doc.Prefixes) > 0 {
		table.Prefixes = make(map[string]*admission.Policy, len(doc.Prefixes))
		for prefix, entry := range doc.Prefixes {
			p, err := buildPolicy("prefix "+prefix, entry)
			if err != nil {
				return admission.PolicyTable{}, err
			}
			table.Prefixes[prefix] = p
		}
	}
	return table, nil
}

// DefaultPolicyTable is the table used when no policy file is configured:
// a moderate per-route ceiling and a wider global one.
func DefaultPolicyTable() admission.PolicyTable {
	return admission.PolicyTable{
		Default: &admission.Policy{
			Name:     "default",
			Strategy: admission.StrategySlidingWindow,
			Windows: []admission.WindowLimit{
				{Duration: time.Minute, Limit: 100},
				{Duration: time.Hour, Limit: 2000},
			},
			Burst:       20,
			BurstWindow: 10 * time.Second,
		},
		Global: &admission.Policy{
			Name:     "global",
			Strategy: admission.StrategySlidingWindow,
			Windows: []admission.WindowLimit{
				{Duration: time.Minute, Limit: 300},
			},
		},
	}
}

func buildPolicy(name string, entry *policyEntry) (*admission.Policy, error) {
	p := &admission.Policy{
		Name:     name,
		Strategy: admission.Strategy(entry.Strategy),
		Burst:    entry.Burst,
	}

	for i, w := range entry.Windows {
		d, err := time.ParseDuration(w.Window)
		if err != nil {
			return nil, fmt.Errorf("policy %s: window[%d]: %w", name, i, err)
		}
		p.Windows = append(p.Windows, admission.WindowLimit{Duration: d, Limit: w.Limit})
	}

	if entry.BurstWindow != "" {
		d, err := time.ParseDuration(entry.BurstWindow)
		if err != nil {
			return nil, fmt.Errorf("policy %s: burst_window: %w", name, err)
		}
		p.BurstWindow = d
	}
	if entry.BlockDuration != "" {
		d, err := time.ParseDuration(entry.BlockDuration)
		if err != nil {
			return nil, fmt.Errorf("policy %s: block_duration: %w", name, err)
		}
		p.BlockDuration = d
	}

	var err error
	if p.Allowlist, err = parsePrefixList(entry.Allowlist); err != nil {
		return nil, fmt.Errorf("policy %s: allowlist: %w", name, err)
	}
	if p.Blocklist, err = parsePrefixList(entry.Blocklist); err != nil {
		return nil, fmt.Errorf("policy %s: blocklist: %w", name, err)
	}
	return p, nil
}

// parsePrefixList accepts CIDR prefixes and bare addresses; a bare address
// becomes a single-host prefix.
func parsePrefixList(entries []string) ([]netip.Prefix, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p)
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("%q is neither a CIDR prefix nor an address", e)
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}
