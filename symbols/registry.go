// Package symbols holds named symbol providers (e.g. "kernel_struct"
// backed by DWARF, "kernel_sym" backed by a System.map) and resolves
// symbol addresses and structure-member offsets through them,
// adjusting for each provider's own ASLR slide.
package symbols

// Provider resolves symbol names to absolute virtual addresses and
// (struct, member) pairs to byte offsets within one symbol file. A
// provider may establish an ASLR slide by matching one known symbol
// to its observed in-memory address; Symbol/StructOffset/StructSize
// results are adjusted by that slide where the underlying data is
// itself ASLR-relative (symbol addresses; struct layouts are not).
type Provider interface {
	Symbol(name string) (uint64, bool)
	StructOffset(structName, member string) (uint64, bool)
	StructSize(structName string) (uint64, bool)
}

// ASLRProvider is implemented by providers whose addresses are subject
// to kernel ASLR and need a slide established from one known
// (symbol, observed-address) pair.
type ASLRProvider interface {
	Provider
	SetASLR(knownSymbol string, observed uint64) bool
	ASLR() uint64
}

// Registry is the engine's single symbol-provider table. It is owned
// by the engine and mutated only during setup (spec §5).
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Insert registers provider under name, replacing any existing
// provider registered under that name.
func (r *Registry) Insert(name string, provider Provider) {
	r.providers[name] = provider
}

// Remove unregisters the provider under name, if any.
func (r *Registry) Remove(name string) {
	delete(r.providers, name)
}

// Find returns the provider registered under name, for symbolication
// UI uses.
func (r *Registry) Find(name string) (Provider, bool) {
	p, ok := r.providers[name]

	return p, ok
}

// Symbol resolves sym through the provider registered under name,
// adjusted for that provider's ASLR slide if it tracks one.
func (r *Registry) Symbol(name, sym string) (uint64, bool) {
	p, ok := r.providers[name]
	if !ok {
		return 0, false
	}

	return p.Symbol(sym)
}

// StructOffset resolves the byte offset of member within structName
// through the provider registered under name.
func (r *Registry) StructOffset(name, structName, member string) (uint64, bool) {
	p, ok := r.providers[name]
	if !ok {
		return 0, false
	}

	return p.StructOffset(structName, member)
}

// StructSize resolves the byte size of structName through the
// provider registered under name.
func (r *Registry) StructSize(name, structName string) (uint64, bool) {
	p, ok := r.providers[name]
	if !ok {
		return 0, false
	}

	return p.StructSize(structName)
}
