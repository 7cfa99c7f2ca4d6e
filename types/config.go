package types

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Option names understood by every mapping.
const (
	OptionProtocol  = "protocol"
	OptionCompress  = "compress"
	OptionIPv6      = "ipv6"
	OptionSerialize = "serialize"
	OptionMx        = "mx"
)

// Options lists the option names in expansion order.
var Options = []string{OptionProtocol, OptionCompress, OptionIPv6, OptionSerialize, OptionMx}

// OptionValues is the full value universe of each option.
var OptionValues = map[string][]string{
	OptionProtocol:  {"tcp", "ssl", "ws", "wss"},
	OptionCompress:  {"false", "true"},
	OptionIPv6:      {"false", "true"},
	OptionSerialize: {"false", "true"},
	OptionMx:        {"false", "true"},
}

// Side identifies which half of a test case a process implements.
type Side string

const (
	SideServer Side = "server"
	SideClient Side = "client"
)

// Config is the immutable set of options a test case is executed with.
type Config struct {
	Protocol    string            `json:"protocol"`
	Compress    bool              `json:"compress"`
	IPv6        bool              `json:"ipv6"`
	Serialize   bool              `json:"serialize"`
	Mx          bool              `json:"mx"`
	ClientProps map[string]string `json:"clientProps,omitempty"`
	ServerProps map[string]string `json:"serverProps,omitempty"`
}

// DefaultConfig returns the configuration used when no option is given.
func DefaultConfig() Config {
	return Config{Protocol: "tcp"}
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	c.ClientProps = maps.Clone(c.ClientProps)
	c.ServerProps = maps.Clone(c.ServerProps)
	return c
}

// Get returns the string value of the named option.
func (c Config) Get(option string) string {
	switch option {
	case OptionProtocol:
		return c.Protocol
	case OptionCompress:
		return strconv.FormatBool(c.Compress)
	case OptionIPv6:
		return strconv.FormatBool(c.IPv6)
	case OptionSerialize:
		return strconv.FormatBool(c.Serialize)
	case OptionMx:
		return strconv.FormatBool(c.Mx)
	}
	return ""
}

// With returns a copy of the config with the named option set to value.
func (c Config) With(option, value string) (Config, error) {
	c = c.Clone()
	if option == OptionProtocol {
		if !slices.Contains(OptionValues[OptionProtocol], value) {
			return c, fmt.Errorf("unknown protocol %q", value)
		}
		c.Protocol = value
		return c, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return c, fmt.Errorf("invalid value %q for option %s: %w", value, option, err)
	}
	switch option {
	case OptionCompress:
		c.Compress = b
	case OptionIPv6:
		c.IPv6 = b
	case OptionSerialize:
		c.Serialize = b
	case OptionMx:
		c.Mx = b
	default:
		return c, fmt.Errorf("unknown option %q", option)
	}
	return c, nil
}

// Key returns a stable label identifying the option combination.
func (c Config) Key() string {
	parts := make([]string, 0, len(Options))
	for _, opt := range Options {
		parts = append(parts, opt+"="+c.Get(opt))
	}
	return strings.Join(parts, ",")
}

// Args returns the command line flags handed to a process of the given side.
func (c Config) Args(side Side) []string {
	args := []string{"--protocol=" + c.Protocol}
	if c.Compress {
		args = append(args, "--compress")
	}
	if c.IPv6 {
		args = append(args, "--ipv6")
	}
	if c.Serialize {
		args = append(args, "--serialize")
	}
	if c.Mx {
		args = append(args, "--mx")
	}
	props := c.ClientProps
	if side == SideServer {
		props = c.ServerProps
	}
	keys := slices.Sorted(maps.Keys(props))
	for _, k := range keys {
		args = append(args, fmt.Sprintf("--%s=%s", k, props[k]))
	}
	return args
}

// OptionOverrides maps an option name to the values a mapping or controller
// supports. A missing option means every value is supported.
type OptionOverrides map[string][]string

// Allows reports whether value is supported for option.
func (o OptionOverrides) Allows(option, value string) bool {
	values, ok := o[option]
	if !ok {
		return true
	}
	return slices.Contains(values, value)
}

// Intersect returns the overrides supported by both o and other.
func (o OptionOverrides) Intersect(other OptionOverrides) OptionOverrides {
	out := make(OptionOverrides)
	names := make(map[string]struct{})
	for k := range o {
		names[k] = struct{}{}
	}
	for k := range other {
		names[k] = struct{}{}
	}
	for name := range names {
		var values []string
		for _, v := range universe(name, o, other) {
			if o.Allows(name, v) && other.Allows(name, v) {
				values = append(values, v)
			}
		}
		if values == nil {
			values = []string{}
		}
		out[name] = values
	}
	return out
}

// universe returns the ordered candidate values of an option, including
// values only known from the overrides themselves.
func universe(name string, sets ...OptionOverrides) []string {
	values := slices.Clone(OptionValues[name])
	var extra []string
	for _, set := range sets {
		for _, v := range set[name] {
			if !slices.Contains(values, v) && !slices.Contains(extra, v) {
				extra = append(extra, v)
			}
		}
	}
	sort.Strings(extra)
	return append(values, extra...)
}

// Variants expands base into the configurations a pairing runs with. With all
// set every supported value of every option is combined; otherwise only base
// itself is returned, provided the overrides support it.
func Variants(base Config, all bool, overrides OptionOverrides) []Config {
	if !all {
		for _, opt := range Options {
			if !overrides.Allows(opt, base.Get(opt)) {
				return nil
			}
		}
		return []Config{base.Clone()}
	}

	configs := []Config{base.Clone()}
	for _, opt := range Options {
		var values []string
		for _, v := range OptionValues[opt] {
			if overrides.Allows(opt, v) {
				values = append(values, v)
			}
		}
		next := make([]Config, 0, len(configs)*len(values))
		for _, cfg := range configs {
			for _, v := range values {
				c, err := cfg.With(opt, v)
				if err != nil {
					continue
				}
				next = append(next, c)
			}
		}
		configs = next
	}
	return configs
}
