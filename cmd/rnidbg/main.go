package main

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/spf13/cobra"

	"github.com/callng/rnidbg/internal/emu"
	"github.com/callng/rnidbg/internal/hook"
	"github.com/callng/rnidbg/internal/loader"
	"github.com/callng/rnidbg/internal/script"
	"github.com/callng/rnidbg/internal/trace"
	"github.com/callng/rnidbg/internal/ui/colorize"
)

var (
	verbose    bool
	configPath string
	policy     string
	maxInsn    int
	scriptPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rnidbg",
		Short: "Emulate ARM64 Android native libraries",
		Long: `rnidbg loads an ELF shared object into an emulated AArch64 guest,
links it against host-provided libc and JNI stubs, runs its
initializers and lets you call its exports.

Examples:
  rnidbg run libnative.so             # load, link, run JNI_OnLoad with trace
  rnidbg call libnative.so add 2 3    # call an export and print X0
  rnidbg info libnative.so            # show ELF header, needed libs, exports`,
		DisableFlagsInUseLine: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&policy, "policy", "", "unimplemented-trap policy: best-effort or strict")

	runCmd := &cobra.Command{
		Use:   "run <binary.so>",
		Short: "Load a library, run initializers and JNI_OnLoad with an instruction trace",
		Args:  cobra.ExactArgs(1),
		RunE:  runLibrary,
	}
	runCmd.Flags().IntVarP(&maxInsn, "num", "n", 500, "max instructions to show")
	runCmd.Flags().StringVar(&scriptPath, "script", "", "JS hook script; an onInstruction function is attached if defined")

	callCmd := &cobra.Command{
		Use:   "call <binary.so> <symbol> [args...]",
		Short: "Call an exported function and print the result",
		Args:  cobra.MinimumNArgs(2),
		RunE:  callExport,
	}

	infoCmd := &cobra.Command{
		Use:   "info <binary.so>",
		Short: "Show binary information",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}

	rootCmd.AddCommand(runCmd, callCmd, infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildConfig() (emu.Config, error) {
	var cfg emu.Config
	if configPath != "" {
		var err error
		cfg, err = emu.LoadConfig(configPath)
		if err != nil {
			return cfg, err
		}
	}
	if verbose {
		cfg.Debug = true
	}
	if policy != "" {
		cfg.Policy = policy
	}
	return cfg, nil
}

func disasm(code []byte) string {
	if len(code) < 4 {
		return "???"
	}
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x",
			uint32(code[0])|uint32(code[1])<<8|uint32(code[2])<<16|uint32(code[3])<<24)
	}
	return inst.String()
}

func isBlockEnd(dis string) bool {
	fields := strings.Fields(strings.ToUpper(dis))
	if len(fields) == 0 {
		return false
	}
	switch m := fields[0]; {
	case m == "RET" || m == "BR" || m == "B" || m == "ERET":
		return true
	case strings.HasPrefix(m, "B."):
		return true
	case strings.HasPrefix(m, "CBZ") || strings.HasPrefix(m, "CBNZ"),
		strings.HasPrefix(m, "TBZ") || strings.HasPrefix(m, "TBNZ"):
		return true
	}
	return false
}

func formatLine(addr uint64, code []byte, dis string, symName string, events []*trace.Event) string {
	var b strings.Builder
	b.Grow(128)

	b.WriteString(colorize.Address(addr))
	b.WriteString("  ")
	if len(code) >= 4 {
		b.WriteString(colorize.Detail(fmt.Sprintf("%02x%02x%02x%02x", code[3], code[2], code[1], code[0])))
		b.WriteString("  ")
	}
	b.WriteString(colorize.Instruction(dis))

	if symName != "" {
		b.WriteString("  ")
		b.WriteString(colorize.Symbol("<" + symName + ">"))
	}
	for _, e := range events {
		b.WriteString("  ")
		b.WriteString(colorize.Tag("#" + string(e.Primary())))
		b.WriteByte(' ')
		b.WriteString(colorize.Symbol(e.Name))
		if e.Detail != "" {
			b.WriteByte(' ')
			b.WriteString(colorize.Detail(e.Detail))
		}
	}
	return b.String()
}

// attachTrace prints every retired instruction inside the module with
// any dispatch events it caused, up to the display limit.
func attachTrace(e *emu.AndroidEmulator, m *loader.Module) {
	sess := e.Trace()
	count := 0
	seen := 0
	addrToSym := make(map[uint64]string)
	for _, s := range m.Exports() {
		if existing, ok := addrToSym[s.Addr]; !ok || len(s.Name) < len(existing) {
			addrToSym[s.Addr] = s.Name
		}
	}

	e.AddHook(hook.KindInstruction, m.Base, m.End()-1, func(ev hook.Event) {
		count++
		if count > maxInsn {
			return
		}
		code, _ := e.ReadMemory(ev.Addr, 4)
		dis := disasm(code)

		events := sess.Events()[seen:]
		seen += len(events)

		fmt.Println(formatLine(ev.Addr, code, dis, addrToSym[ev.Addr], events))
		if isBlockEnd(dis) {
			fmt.Println()
		}
	})
}

func attachScript(e *emu.AndroidEmulator, m *loader.Module) error {
	if scriptPath == "" {
		return nil
	}
	eng, err := script.New(e)
	if err != nil {
		return err
	}
	if err := eng.LoadFile(scriptPath); err != nil {
		return err
	}
	cb, err := eng.Callback("onInstruction")
	if err != nil {
		// Script without a per-instruction hook is fine; top-level code
		// already ran.
		return nil
	}
	e.AddHook(hook.KindInstruction, m.Base, m.End()-1, cb)
	return nil
}

func runLibrary(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	e, err := emu.New(cfg)
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer e.Close()

	fmt.Printf("%s rnidbg ─ %s engine, %s session\n",
		colorize.Tag("▶"), e.Backend().Name(), e.Trace().ID)

	m, err := e.LoadModule(args[0])
	if err != nil {
		return fmt.Errorf("load %s: %w", args[0], err)
	}
	attachTrace(e, m)
	if err := attachScript(e, m); err != nil {
		return err
	}

	fmt.Printf("  %s %s  %s %s  %s %d\n",
		colorize.Detail("base:"), colorize.Address(m.Base),
		colorize.Detail("size:"), colorize.Address(m.Size),
		colorize.Detail("exports:"), len(m.Exports()))
	fmt.Println()

	if _, ok := m.FindSymbol("JNI_OnLoad"); ok {
		if err := e.CallJNIOnLoad(m); err != nil {
			fmt.Println(colorize.Error(err.Error()))
		}
	}

	fmt.Println()
	fmt.Printf("%d %s\n", e.Trace().Len(), colorize.Detail("dispatch events"))
	return nil
}

func callExport(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	e, err := emu.New(cfg)
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer e.Close()

	m, err := e.LoadModule(args[0])
	if err != nil {
		return fmt.Errorf("load %s: %w", args[0], err)
	}

	callArgs := make([]uint64, 0, len(args)-2)
	for _, a := range args[2:] {
		v, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			return fmt.Errorf("argument %q: %w", a, err)
		}
		callArgs = append(callArgs, v)
	}

	ret, err := e.CallExported(m, args[1], callArgs...)
	if err != nil {
		return err
	}
	fmt.Printf("%s(%s) = 0x%x (%d)\n", args[1], strings.Join(args[2:], ", "), ret, ret)
	return nil
}

func showInfo(cmd *cobra.Command, args []string) error {
	f, err := elf.Open(args[0])
	if err != nil {
		return fmt.Errorf("open %s: %w", args[0], err)
	}
	defer f.Close()

	fmt.Printf("Binary:  %s\n", filepath.Base(args[0]))
	fmt.Printf("Machine: %s  Class: %s  Type: %s\n", f.Machine, f.Class, f.Type)
	fmt.Printf("Entry:   0x%x\n\n", f.Entry)

	fmt.Println("Segments:")
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		fmt.Printf("  LOAD 0x%08x-0x%08x %s\n", p.Vaddr, p.Vaddr+p.Memsz, p.Flags)
	}

	if libs, err := f.ImportedLibraries(); err == nil && len(libs) > 0 {
		fmt.Println("\nNeeded:")
		for _, l := range libs {
			fmt.Printf("  %s\n", l)
		}
	}

	syms, err := f.DynamicSymbols()
	if err != nil {
		return nil
	}
	var exported []elf.Symbol
	for _, s := range syms {
		if s.Section != elf.SHN_UNDEF && s.Name != "" {
			exported = append(exported, s)
		}
	}
	fmt.Printf("\nExports: %d\n", len(exported))
	const show = 32
	for i, s := range exported {
		if i == show {
			fmt.Printf("  ... %d more\n", len(exported)-show)
			break
		}
		fmt.Printf("  0x%08x %s\n", s.Value, s.Name)
	}

	for _, s := range exported {
		if s.Name == "JNI_OnLoad" {
			fmt.Printf("\nJNI_OnLoad: 0x%x\n", s.Value)
			break
		}
	}
	return nil
}
