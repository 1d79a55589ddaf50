// Command vmi-introspect is a sample CLI exercising the introspection
// engine against a running debug-plane session: listing processes,
// joining one in a chosen privilege mode, and disassembling the
// instruction at a thread's current PC.
package main

import (
	"fmt"
	"log"
	"os"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-vmi/linuxvmi/cliconfig"
	"github.com/go-vmi/linuxvmi/debugplane"
	"github.com/go-vmi/linuxvmi/linuxos"
	"github.com/go-vmi/linuxvmi/symbols"
)

func main() {
	psArgs, joinArgs, decodeArgs, err := cliconfig.ParseArgs(os.Args)
	if err != nil {
		log.Fatal(err)
	}

	switch {
	case psArgs != nil:
		err = runPS(psArgs)
	case joinArgs != nil:
		err = runJoin(joinArgs)
	case decodeArgs != nil:
		err = runDecode(decodeArgs)
	}

	if err != nil {
		log.Fatal(err)
	}
}

func setupEngine(common cliconfig.Common) (*linuxos.Engine, error) {
	root := common.SymbolPath
	if root == "" {
		root = os.Getenv("LINUX_SYMBOL_PATH")
	}

	plane, err := debugplane.Open(common.SHMName)
	if err != nil {
		return nil, fmt.Errorf("open debug plane %s: %w", common.SHMName, err)
	}

	if err := plane.Init(); err != nil {
		return nil, fmt.Errorf("init debug plane: %w", err)
	}

	plane.Pause()

	engine, err := linuxos.Setup(plane, func(guid string) (symbols.Provider, bool) {
		p, err := symbols.NewDwarfProvider(root, "kernel", guid)
		if err != nil {
			return nil, false
		}

		return p, true
	})
	if err != nil {
		return nil, fmt.Errorf("set up introspection engine: %w", err)
	}

	return engine, nil
}

func runPS(args *cliconfig.PSArgs) error {
	engine, err := setupEngine(args.Common)
	if err != nil {
		return err
	}

	ok := engine.ProcList(func(p linuxos.ProcHandle) linuxos.WalkResult {
		pid, _ := engine.ProcID(p)
		name, _ := engine.ProcName(p)
		fmt.Printf("%-8d %s\n", pid, name)

		return linuxos.WalkNext
	})
	if !ok {
		return fmt.Errorf("enumerate processes: guest became unreadable mid-walk")
	}

	return nil
}

func runJoin(args *cliconfig.JoinArgs) error {
	engine, err := setupEngine(args.Common)
	if err != nil {
		return err
	}

	proc, ok := engine.ResolveTarget(args.Target)
	if !ok {
		return fmt.Errorf("process %q not found", args.Target)
	}

	mode := linuxos.JoinAnyMode
	if args.UserMode {
		mode = linuxos.JoinUserMode
	}

	if !engine.ProcJoin(proc, mode) {
		return fmt.Errorf("join %q: guest stopped responding", args.Target)
	}

	pid, _ := engine.ProcID(proc)
	fmt.Printf("joined pid %d\n", pid)

	return nil
}

func runDecode(args *cliconfig.DecodeArgs) error {
	engine, err := setupEngine(args.Common)
	if err != nil {
		return err
	}

	proc, ok := engine.ResolveTarget(args.Target)
	if !ok {
		return fmt.Errorf("process %q not found", args.Target)
	}

	if !engine.ProcJoin(proc, linuxos.JoinUserMode) {
		return fmt.Errorf("join %q: guest stopped responding", args.Target)
	}

	thread, ok := engine.ThreadCurrent()
	if !ok {
		return fmt.Errorf("read current thread")
	}

	pc, ok := engine.ThreadPC(thread)
	if !ok {
		return fmt.Errorf("read thread pc")
	}

	reader := engine.ReaderFor(proc)

	const maxInstLen = 16

	insn, ok := reader.Read(debugplane.VirtualAddress(pc), maxInstLen)
	if !ok {
		return fmt.Errorf("read instruction bytes at %#x", pc)
	}

	inst, err := x86asm.Decode(insn, 64)
	if err != nil {
		return fmt.Errorf("decode instruction at %#x: %w", pc, err)
	}

	fmt.Printf("%#x: %s\n", pc, x86asm.GNUSyntax(inst, pc, nil))

	return nil
}
