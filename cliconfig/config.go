// Package cliconfig parses the sample introspection CLI's
// subcommand/flag arguments, in the flag.FlagSet style the rest of
// this pack's CLIs use rather than a third-party flag library.
package cliconfig

import (
	"errors"
	"flag"
	"fmt"
)

// ErrInvalidSubcommand is returned when args names a subcommand other
// than "ps", "join" or "decode".
var ErrInvalidSubcommand = errors.New("expected 'ps', 'join' or 'decode' subcommand")

// Common fields shared by every subcommand: how to reach the debug
// plane and where to find kernel symbol files.
type Common struct {
	SHMName    string
	SymbolPath string
}

// PSArgs lists every process currently known to the guest.
type PSArgs struct {
	Common
}

// JoinArgs rendezvouses with one process.
type JoinArgs struct {
	Common
	Target   string // PID or command name
	UserMode bool
}

// DecodeArgs disassembles the instruction at a thread's current PC.
type DecodeArgs struct {
	Common
	Target string
}

func addCommon(fs *flag.FlagSet, c *Common) {
	fs.StringVar(&c.SHMName, "shm", "/vmi-debug-plane", "shared-memory debug plane name")
	fs.StringVar(&c.SymbolPath, "symbols", "", "root directory of kernel symbol files (default: $LINUX_SYMBOL_PATH)")
}

func parsePSArgs(args []string) (*PSArgs, error) {
	fs := flag.NewFlagSet("ps", flag.ExitOnError)
	c := &PSArgs{}
	addCommon(fs, &c.Common)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

func parseJoinArgs(args []string) (*JoinArgs, error) {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	c := &JoinArgs{}
	addCommon(fs, &c.Common)
	fs.StringVar(&c.Target, "p", "", "target PID or command name")
	fs.BoolVar(&c.UserMode, "user", false, "wait until the target is executing user-mode code")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

func parseDecodeArgs(args []string) (*DecodeArgs, error) {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	c := &DecodeArgs{}
	addCommon(fs, &c.Common)
	fs.StringVar(&c.Target, "p", "", "target PID or command name")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

// ParseArgs dispatches os.Args-style arguments (args[0] is the program
// name) to the matching subcommand parser. Exactly one of the
// returned pointers is non-nil on success.
func ParseArgs(args []string) (*PSArgs, *JoinArgs, *DecodeArgs, error) {
	if len(args) < 2 {
		return nil, nil, nil, ErrInvalidSubcommand
	}

	switch args[1] {
	case "ps":
		c, err := parsePSArgs(args[2:])

		return c, nil, nil, err
	case "join":
		c, err := parseJoinArgs(args[2:])

		return nil, c, nil, err
	case "decode":
		c, err := parseDecodeArgs(args[2:])

		return nil, nil, c, err
	}

	return nil, nil, nil, fmt.Errorf("%w: got %q", ErrInvalidSubcommand, args[1])
}
