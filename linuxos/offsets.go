package linuxos

// SymbolID names a guest kernel symbol this package needs to resolve
// to an address.
type SymbolID int

const (
	SymLinuxBanner SymbolID = iota
	SymPerCPUStart
	SymCurrentTask
	SymKasanInit
)

// OffsetID names a struct-member byte offset this package needs, read
// through a symbols.Provider keyed by (struct name, member name)
// rather than a flat symbol.
type OffsetID int

const (
	OffTaskStructThreadInfo OffsetID = iota
	OffTaskStructStack
	OffTaskStructComm
	OffTaskStructPID
	OffTaskStructRealParent
	OffTaskStructGroupLeader
	OffTaskStructThreadGroup
	OffTaskStructTasks
	OffTaskStructMM
	OffTaskStructActiveMM
	OffMMStructPGD
	OffThreadInfoFlags
	OffPtRegsIP
)

// category marks whether Setup must abort a candidate banner when the
// offset/symbol cannot be resolved (required) or may proceed with a
// degraded feature set (optional).
type category int

const (
	required category = iota
	optional
)

// symbolSpec is one entry of the symbol table Setup resolves while
// validating a kernel banner candidate.
type symbolSpec struct {
	id   SymbolID
	name string
	cat  category
}

// offsetSpec is one entry of the struct-offset table Setup resolves.
type offsetSpec struct {
	id        OffsetID
	structure string
	member    string
	cat       category
}

// symbolTable and offsetTable mirror the guest OS's own
// ("g_symbols", "g_offsets") validation tables: every REQUIRED entry
// must resolve for a banner candidate to be accepted; an OPTIONAL
// entry that fails to resolve only narrows which features the engine
// can later offer (spec.md §9 open question 1; SPEC_FULL.md §14.2).
var symbolTable = []symbolSpec{
	{SymLinuxBanner, "linux_banner", required},
	{SymPerCPUStart, "__per_cpu_start", required},
	{SymCurrentTask, "current_task", required},
	{SymKasanInit, "kasan_init", optional},
}

var offsetTable = []offsetSpec{
	{OffTaskStructThreadInfo, "task_struct", "thread_info", required},
	{OffTaskStructStack, "task_struct", "stack", optional},
	{OffTaskStructComm, "task_struct", "comm", required},
	{OffTaskStructPID, "task_struct", "pid", required},
	{OffTaskStructRealParent, "task_struct", "real_parent", required},
	{OffTaskStructGroupLeader, "task_struct", "group_leader", required},
	{OffTaskStructThreadGroup, "task_struct", "thread_group", required},
	{OffTaskStructTasks, "task_struct", "tasks", required},
	{OffTaskStructMM, "task_struct", "mm", required},
	{OffTaskStructActiveMM, "task_struct", "active_mm", required},
	{OffMMStructPGD, "mm_struct", "pgd", required},
	{OffThreadInfoFlags, "thread_info", "flags", required},
	{OffPtRegsIP, "pt_regs", "ip", required},
}

// offsets and symbols are resolved (symbol-name/member -> address or
// byte offset) once per successful Setup, and held immutably for the
// lifetime of an Engine.
type offsets struct {
	symbols map[SymbolID]uint64
	offsets map[OffsetID]uint64
}

func (o *offsets) symbol(id SymbolID) (uint64, bool) {
	v, ok := o.symbols[id]

	return v, ok
}

func (o *offsets) offset(id OffsetID) (uint64, bool) {
	v, ok := o.offsets[id]

	return v, ok
}
