package heap

import "strconv"

// Tag attributes an allocation to the component that made it. Tags only affect statistics,
// never allocation behavior.
type Tag uint32

const (
	TagUnknown Tag = iota
	TagVM
	TagCFGM
	TagCPUM
	TagDBGF
	TagEM
	TagHM
	TagIOM
	TagMM
	TagPDM
	TagPGM
	TagPGMPhys
	TagPGMPool
	TagSSM
	TagSTAM
	TagTM
	TagVMM
)

var tagMapping = make(map[Tag]string)

// RegisterTag names a tag so it shows up readably in statistics and logs. Components that define
// their own tags beyond the built-in set should register them during init.
func RegisterTag(tag Tag, name string) {
	tagMapping[tag] = name
}

func (t Tag) String() string {
	name, ok := tagMapping[t]
	if !ok {
		return "Tag" + strconv.FormatUint(uint64(t), 10)
	}
	return name
}

func init() {
	RegisterTag(TagUnknown, "UNKNOWN")
	RegisterTag(TagVM, "VM")
	RegisterTag(TagCFGM, "CFGM")
	RegisterTag(TagCPUM, "CPUM")
	RegisterTag(TagDBGF, "DBGF")
	RegisterTag(TagEM, "EM")
	RegisterTag(TagHM, "HM")
	RegisterTag(TagIOM, "IOM")
	RegisterTag(TagMM, "MM")
	RegisterTag(TagPDM, "PDM")
	RegisterTag(TagPGM, "PGM")
	RegisterTag(TagPGMPhys, "PGM_PHYS")
	RegisterTag(TagPGMPool, "PGM_POOL")
	RegisterTag(TagSSM, "SSM")
	RegisterTag(TagSTAM, "STAM")
	RegisterTag(TagTM, "TM")
	RegisterTag(TagVMM, "VMM")
}
