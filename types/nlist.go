package types

import "fmt"

// NType is a Mach-O nlist n_type byte: the STAB/PEXT/TYPE/EXT bitfield
// cmds.go's Symbol.Type carries. The retrieved pack's cmds.go
// references types.NType (and NDescType, below) throughout Symbol's
// definition and String method without either type ever being declared
// in the types package; declared here from the standard nlist.h
// bit layout (the same one debug/macho's stdlib type follows).
type NType uint8

const (
	N_STAB NType = 0xe0 // if any of these bits set, a symbolic debugging entry
	N_PEXT NType = 0x10 // private external symbol bit
	N_TYPE NType = 0x0e // mask for the type bits
	N_EXT  NType = 0x01 // external symbol bit

	N_UNDF NType = 0x0 // undefined, n_sect == NO_SECT
	N_ABS  NType = 0x2 // absolute, n_sect == NO_SECT
	N_SECT NType = 0xe // defined in section number n_sect
	N_PBUD NType = 0xc // prebound undefined (defined in a dylib)
	N_INDR NType = 0xa // indirect
)

// IsStab reports whether the symbol is a symbolic-debugging ("stab")
// entry rather than a normal symbol table entry.
func (t NType) IsStab() bool { return t&N_STAB != 0 }

// IsExternal reports the N_EXT bit: visible outside this image.
func (t NType) IsExternal() bool { return t&N_EXT != 0 }

// IsPrivateExternal reports the N_PEXT bit: externally defined but
// hidden once statically linked (spec.md §4.7's "private extern left
// local" symbols).
func (t NType) IsPrivateExternal() bool { return t&N_PEXT != 0 }

// Kind masks off the STAB/EXT/PEXT bits, leaving N_UNDF/N_ABS/N_SECT/
// N_PBUD/N_INDR.
func (t NType) Kind() NType { return t & N_TYPE }

func (t NType) String(sect string) string {
	if t.IsStab() {
		return fmt.Sprintf("stab(%#02x)", uint8(t))
	}
	var kind string
	switch t.Kind() {
	case N_UNDF:
		kind = "undefined"
	case N_ABS:
		kind = "absolute"
	case N_SECT:
		if sect != "" {
			kind = sect
		} else {
			kind = "section"
		}
	case N_PBUD:
		kind = "prebound"
	case N_INDR:
		kind = "indirect"
	default:
		kind = fmt.Sprintf("type(%#02x)", uint8(t.Kind()))
	}
	if t.IsExternal() {
		kind += " external"
	} else if t.IsPrivateExternal() {
		kind += " private-external"
	}
	return kind
}

// NDescType is a Mach-O nlist n_desc halfword: reference type, library
// ordinal, and various loader hint bits (N_WEAK_REF, N_WEAK_DEF,
// N_SYMBOL_RESOLVER, N_ARM_THUMB_DEF, ...).
type NDescType uint16

const (
	N_NO_DEAD_STRIP    NDescType = 0x0020
	N_DESC_DISCARDED   NDescType = 0x0020
	N_WEAK_REF         NDescType = 0x0040
	N_WEAK_DEF         NDescType = 0x0080
	N_REF_TO_WEAK      NDescType = 0x0080
	N_ARM_THUMB_DEF    NDescType = 0x0008
	N_SYMBOL_RESOLVER  NDescType = 0x0100
	N_ALT_ENTRY        NDescType = 0x0200
)

func (d NDescType) WeakReferenced() bool  { return d&N_WEAK_REF != 0 }
func (d NDescType) WeakDefined() bool     { return d&N_WEAK_DEF != 0 }
func (d NDescType) SymbolResolver() bool  { return d&N_SYMBOL_RESOLVER != 0 }

// Nlist32 is the on-disk 32-bit symbol table entry (struct nlist),
// read directly via binary.Read by file.go's parseSymtab.
type Nlist32 struct {
	Name  uint32
	Type  NType
	Sect  uint8
	Desc  NDescType
	Value uint32
}

// Nlist64 is the on-disk 64-bit symbol table entry (struct nlist_64).
type Nlist64 struct {
	Name  uint32
	Type  NType
	Sect  uint8
	Desc  NDescType
	Value uint64
}
