package stats

import (
	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrDuplicate is returned when a counter name is registered twice
	ErrDuplicate = pkgerrors.New("stats: counter already registered")
	// ErrBadName is returned for names that are not absolute slash separated paths
	ErrBadName = pkgerrors.New("stats: counter names must start with '/'")
)

// Unit describes what a counter counts
type Unit uint8

const (
	UnitCount Unit = iota
	UnitBytes
	UnitPages
	UnitCalls
)

var unitMapping = make(map[Unit]string)

func (u Unit) String() string {
	return unitMapping[u]
}

func init() {
	unitMapping[UnitCount] = "count"
	unitMapping[UnitBytes] = "bytes"
	unitMapping[UnitPages] = "pages"
	unitMapping[UnitCalls] = "calls"
}
