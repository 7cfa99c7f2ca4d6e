package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum-optimism/optimism/op-service/oppprof"
	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"
)

const EnvVarPrefix = "OP_CROSSTEST"

var (
	Manifest = &cli.StringFlag{
		Name:    "manifest",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MANIFEST"),
		Usage:   "Path to the suite manifest (eg. 'crosstest.yaml'). Required.",
	}
	Workers = &cli.IntFlag{
		Name:    "workers",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKERS"),
		Usage:   "Number of worker goroutines. With 0 every suite runs on the main goroutine.",
	}
	Continue = &cli.BoolFlag{
		Name:    "continue",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONTINUE"),
		Usage:   "Keep dispatching suites after a failure",
	}
	Loop = &cli.BoolFlag{
		Name:    "loop",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOOP"),
		Usage:   "Repeat the whole run until interrupted or a suite fails",
	}
	LoopInterval = &cli.DurationFlag{
		Name:    "loop-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOOP_INTERVAL"),
		Usage:   "Pause between loop iterations (e.g. '30s')",
	}
	Start = &cli.IntFlag{
		Name:    "start",
		Value:   1,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "START"),
		Usage:   "1-based index of the first suite to run; earlier suites are skipped",
	}
	All = &cli.BoolFlag{
		Name:    "all",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ALL"),
		Usage:   "Run every supported combination of options",
	}
	Cross = &cli.StringFlag{
		Name:    "cross",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CROSS"),
		Usage:   "Run the cross suites against the server side of the given mapping",
	}
	AllCross = &cli.BoolFlag{
		Name:    "all-cross",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ALL_CROSS"),
		Usage:   "Run the cross suites against the server side of every other mapping",
	}
	Host = &cli.StringFlag{
		Name:    "host",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HOST"),
		Usage:   "Host the server sides bind to (defaults to the loopback address)",
	}
	ClientController = &cli.StringFlag{
		Name:    "client",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CLIENT"),
		Usage:   "Address of the controller running the client sides",
	}
	ServerController = &cli.StringFlag{
		Name:    "server",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SERVER"),
		Usage:   "Address of the controller running the server sides",
	}
	Protocol = &cli.StringFlag{
		Name:    "protocol",
		Value:   "tcp",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROTOCOL"),
		Usage:   "Protocol to run the suites with (tcp, ssl, ws or wss)",
	}
	Compress = &cli.BoolFlag{
		Name:    "compress",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COMPRESS"),
		Usage:   "Run the suites with compression enabled",
	}
	IPv6 = &cli.BoolFlag{
		Name:    "ipv6",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "IPV6"),
		Usage:   "Run the suites over IPv6",
	}
	Serialize = &cli.BoolFlag{
		Name:    "serialize",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SERIALIZE"),
		Usage:   "Run the suites with serialized dispatch",
	}
	Mx = &cli.BoolFlag{
		Name:    "mx",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MX"),
		Usage:   "Run the suites with the metrics facet enabled",
	}
	ShowDurations = &cli.BoolFlag{
		Name:    "show-durations",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHOW_DURATIONS"),
		Usage:   "Print the suites ranked by duration after the run",
	}
	Mapping = &cli.StringSliceFlag{
		Name:    "mapping",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MAPPING"),
		Usage:   "Only run the suites of these mappings",
	}
	Include = &cli.StringSliceFlag{
		Name:    "include",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "INCLUDE"),
		Usage:   "Only run suites whose id matches one of these regular expressions",
	}
	Exclude = &cli.StringSliceFlag{
		Name:    "exclude",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "EXCLUDE"),
		Usage:   "Skip suites whose id matches one of these regular expressions",
	}
	DefaultTimeout = &cli.DurationFlag{
		Name:    "default-timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEFAULT_TIMEOUT"),
		Usage:   "Timeout of a test case half without its own timeout (0 = none)",
	}
	ReadyTimeout = &cli.DurationFlag{
		Name:    "ready-timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "READY_TIMEOUT"),
		Usage:   "How long a server side may take to announce readiness (0 = 1m)",
	}
	ShutdownTimeout = &cli.DurationFlag{
		Name:    "shutdown-timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHUTDOWN_TIMEOUT"),
		Usage:   "How long a server side may take to exit after its client finished (0 = 30s)",
	}
	LogDir = &cli.StringFlag{
		Name:    "log-dir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOG_DIR"),
		Usage:   "Directory to write per-suite output to. Disabled if empty.",
	}
)

// Controller command flags
var (
	ControllerHost = &cli.StringFlag{
		Name:    "controller.host",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONTROLLER_HOST"),
		Usage:   "Host the server sides started by the controller bind to and advertise",
	}
	ControllerSlots = &cli.IntFlag{
		Name:    "controller.slots",
		Value:   8,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONTROLLER_SLOTS"),
		Usage:   "Maximum number of test cases the controller runs at once",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz.addr",
		Value:   "0.0.0.0",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Healthz listening address",
	}
	HealthzPort = &cli.IntFlag{
		Name:    "healthz.port",
		Value:   8080,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_PORT"),
		Usage:   "Healthz listening port (0 disables the endpoint)",
	}
)

var requiredFlags = []cli.Flag{
	Manifest,
}

var optionalFlags = []cli.Flag{
	Workers,
	Continue,
	Loop,
	LoopInterval,
	Start,
	All,
	Cross,
	AllCross,
	Host,
	ClientController,
	ServerController,
	Protocol,
	Compress,
	IPv6,
	Serialize,
	Mx,
	ShowDurations,
	Mapping,
	Include,
	Exclude,
	DefaultTimeout,
	ReadyTimeout,
	ShutdownTimeout,
	LogDir,
}

var controllerOptionalFlags = []cli.Flag{
	DefaultTimeout,
	ReadyTimeout,
	ShutdownTimeout,
	ControllerHost,
	ControllerSlots,
	HealthzAddr,
	HealthzPort,
}

// Flags are the flags of the driver, ControllerFlags those of the controller command.
var (
	Flags           []cli.Flag
	ControllerFlags []cli.Flag
)

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	controllerOptionalFlags = append(controllerOptionalFlags, oprpc.CLIFlags(EnvVarPrefix)...)
	controllerOptionalFlags = append(controllerOptionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	controllerOptionalFlags = append(controllerOptionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)
	controllerOptionalFlags = append(controllerOptionalFlags, oppprof.CLIFlags(EnvVarPrefix)...)

	Flags = append(append([]cli.Flag{}, requiredFlags...), optionalFlags...)
	ControllerFlags = append(append([]cli.Flag{}, requiredFlags...), controllerOptionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	if ctx.IsSet(Cross.Name) && ctx.Bool(AllCross.Name) {
		return fmt.Errorf("flags %s and %s are mutually exclusive", Cross.Name, AllCross.Name)
	}
	return nil
}
