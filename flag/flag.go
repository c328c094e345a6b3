// Package flag parses the CLI's subcommands with the standard library's
// flag package, one FlagSet per subcommand.
package flag

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
)

var ErrorInvalidSubcommands = errors.New("expected 'run', 'probe', 'migrate-send' or 'migrate-recv' subcommands")

// RunArgs configures a single VM session.
type RunArgs struct {
	Dir         string
	Kernel      string
	DTB         string
	Blk         string
	Cmdline     string
	MemSize     int
	DTBSize     int
	SingleStep  bool
	Profile     bool
	FixedUpdate bool
}

func parseRunArgs(args []string) (*RunArgs, error) {
	runCmd := flag.NewFlagSet("run subcommand", flag.ExitOnError)
	c := &RunArgs{}

	runCmd.StringVar(&c.Dir, "dir", ".", "directory holding the kernel image, DTB, block file and snapshot")
	runCmd.StringVar(&c.Kernel, "k", "kernel.bin", "kernel image filename, relative to -dir")
	runCmd.StringVar(&c.DTB, "b", "dtb.bin", "device-tree blob filename, relative to -dir")
	runCmd.StringVar(&c.Blk, "disk", "disk.img", "block device image filename, relative to -dir")
	runCmd.StringVar(&c.Cmdline, "append", "console=hvc0 root=/dev/vda rw", "kernel command-line parameters")
	runCmd.BoolVar(&c.SingleStep, "single-step", false, "execute one instruction per batch, for debugging")
	runCmd.BoolVar(&c.Profile, "profile", false, "capture a CPU profile of the run")
	runCmd.BoolVar(&c.FixedUpdate, "fixed-update", false, "advance guest time by cycle count instead of wall clock")

	msize := runCmd.String("m", "16M", "RAM size: as number[gGmMkK], defaults to M")
	dsize := runCmd.String("dtb-size", "128K", "DTB region size: as number[gGmMkK], defaults to K")

	var err error

	if err = runCmd.Parse(args); err != nil {
		return nil, err
	}

	if c.MemSize, err = ParseSize(*msize, "m"); err != nil {
		return nil, err
	}

	if c.DTBSize, err = ParseSize(*dsize, "k"); err != nil {
		return nil, err
	}

	return c, nil
}

// ProbeArgs has a single -dir flag: probe only reports whether this host
// can mount the storage directory it names.
type ProbeArgs struct {
	Dir string
}

func parseProbeArgs(args []string) (*ProbeArgs, error) {
	probeCmd := flag.NewFlagSet("probe subcommand", flag.ExitOnError)
	c := &ProbeArgs{}

	probeCmd.StringVar(&c.Dir, "dir", ".", "directory holding the storage files to probe")

	if err := probeCmd.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

// MigrateSendArgs configures the sending side of a live hibernation handoff.
type MigrateSendArgs struct {
	Dir  string
	Addr string
}

func parseMigrateSendArgs(args []string) (*MigrateSendArgs, error) {
	cmd := flag.NewFlagSet("migrate-send subcommand", flag.ExitOnError)
	c := &MigrateSendArgs{}

	cmd.StringVar(&c.Dir, "dir", ".", "directory holding the storage files to read the snapshot from")
	cmd.StringVar(&c.Addr, "addr", "", "address of the receiving host, host:port")

	if err := cmd.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

// MigrateRecvArgs configures the receiving side of a live hibernation
// handoff.
type MigrateRecvArgs struct {
	Dir  string
	Addr string
}

func parseMigrateRecvArgs(args []string) (*MigrateRecvArgs, error) {
	cmd := flag.NewFlagSet("migrate-recv subcommand", flag.ExitOnError)
	c := &MigrateRecvArgs{}

	cmd.StringVar(&c.Dir, "dir", ".", "directory to write the received snapshot into")
	cmd.StringVar(&c.Addr, "addr", ":9000", "address to listen on, host:port")

	if err := cmd.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

// Command names the subcommand ParseArgs selected.
type Command int

const (
	CommandNone Command = iota
	CommandRun
	CommandProbe
	CommandMigrateSend
	CommandMigrateRecv
)

// ParsedArgs holds the parsed result for whichever subcommand was invoked;
// only the field matching Command is populated.
type ParsedArgs struct {
	Command     Command
	Run         *RunArgs
	Probe       *ProbeArgs
	MigrateSend *MigrateSendArgs
	MigrateRecv *MigrateRecvArgs
}

// ParseArgs dispatches os.Args-shaped input to the matching subcommand
// parser.
func ParseArgs(args []string) (*ParsedArgs, error) {
	if len(args) < 2 {
		return nil, ErrorInvalidSubcommands
	}

	switch args[1] {
	case "run":
		conf, err := parseRunArgs(args[2:])
		if err != nil {
			return nil, err
		}

		return &ParsedArgs{Command: CommandRun, Run: conf}, nil

	case "probe":
		conf, err := parseProbeArgs(args[2:])
		if err != nil {
			return nil, err
		}

		return &ParsedArgs{Command: CommandProbe, Probe: conf}, nil

	case "migrate-send":
		conf, err := parseMigrateSendArgs(args[2:])
		if err != nil {
			return nil, err
		}

		return &ParsedArgs{Command: CommandMigrateSend, MigrateSend: conf}, nil

	case "migrate-recv":
		conf, err := parseMigrateRecvArgs(args[2:])
		if err != nil {
			return nil, err
		}

		return &ParsedArgs{Command: CommandMigrateRecv, MigrateRecv: conf}, nil
	}

	return nil, ErrorInvalidSubcommands
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
