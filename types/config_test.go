package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigKeyIsStable(t *testing.T) {
	cfg := Config{Protocol: "ws", Compress: true, Mx: true}
	assert.Equal(t, "protocol=ws,compress=true,ipv6=false,serialize=false,mx=true", cfg.Key())
	assert.Equal(t, cfg.Key(), cfg.Clone().Key())
}

func TestConfigCloneDoesNotShareProps(t *testing.T) {
	cfg := Config{Protocol: "tcp", ClientProps: map[string]string{"a": "1"}}
	clone := cfg.Clone()
	clone.ClientProps["a"] = "2"
	assert.Equal(t, "1", cfg.ClientProps["a"])
}

func TestConfigArgs(t *testing.T) {
	cfg := Config{
		Protocol:    "ssl",
		IPv6:        true,
		ClientProps: map[string]string{"b": "2", "a": "1"},
		ServerProps: map[string]string{"threads": "4"},
	}
	assert.Equal(t, []string{"--protocol=ssl", "--ipv6", "--a=1", "--b=2"}, cfg.Args(SideClient))
	assert.Equal(t, []string{"--protocol=ssl", "--ipv6", "--threads=4"}, cfg.Args(SideServer))
}

func TestConfigWith(t *testing.T) {
	cfg, err := DefaultConfig().With(OptionCompress, "true")
	require.NoError(t, err)
	assert.True(t, cfg.Compress)

	_, err = cfg.With(OptionProtocol, "udp")
	require.Error(t, err)

	_, err = cfg.With(OptionMx, "maybe")
	require.Error(t, err)
}

func TestOptionOverridesIntersect(t *testing.T) {
	a := OptionOverrides{OptionProtocol: {"tcp", "ws", "ssl"}}
	b := OptionOverrides{OptionProtocol: {"ws", "tcp"}, OptionMx: {"false"}}

	got := a.Intersect(b)
	assert.Equal(t, []string{"tcp", "ws"}, got[OptionProtocol])
	assert.Equal(t, []string{"false"}, got[OptionMx])
	assert.True(t, got.Allows(OptionCompress, "true"))
	assert.False(t, got.Allows(OptionProtocol, "ssl"))
}

func TestOptionOverridesIntersectDisjoint(t *testing.T) {
	a := OptionOverrides{OptionProtocol: {"tcp"}}
	b := OptionOverrides{OptionProtocol: {"ws"}}

	got := a.Intersect(b)
	assert.Empty(t, got[OptionProtocol])
	assert.False(t, got.Allows(OptionProtocol, "tcp"))
	assert.False(t, got.Allows(OptionProtocol, "ws"))
}

func TestVariants(t *testing.T) {
	tests := []struct {
		name      string
		base      Config
		all       bool
		overrides OptionOverrides
		want      int
	}{
		{name: "single supported", base: DefaultConfig(), overrides: nil, want: 1},
		{name: "single unsupported", base: Config{Protocol: "ssl"}, overrides: OptionOverrides{OptionProtocol: {"tcp"}}, want: 0},
		{name: "all unrestricted", base: DefaultConfig(), all: true, want: 4 * 2 * 2 * 2 * 2},
		{
			name: "all restricted",
			base: DefaultConfig(),
			all:  true,
			overrides: OptionOverrides{
				OptionProtocol:  {"tcp", "ws"},
				OptionIPv6:      {"false"},
				OptionSerialize: {"false"},
				OptionMx:        {"false"},
			},
			want: 2 * 2,
		},
		{name: "all with empty option", base: DefaultConfig(), all: true, overrides: OptionOverrides{OptionProtocol: {}}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Variants(tt.base, tt.all, tt.overrides)
			assert.Len(t, got, tt.want)
			for _, cfg := range got {
				for _, opt := range Options {
					assert.True(t, tt.overrides.Allows(opt, cfg.Get(opt)), "variant %s uses unsupported %s", cfg.Key(), opt)
				}
			}
		})
	}
}

func TestVariantsDeterministic(t *testing.T) {
	overrides := OptionOverrides{OptionProtocol: {"ws", "tcp"}}
	first := Variants(DefaultConfig(), true, overrides)
	second := Variants(DefaultConfig(), true, overrides)
	require.Equal(t, first, second)
	assert.Equal(t, "tcp", first[0].Protocol)
}
