package libre

import (
	"fmt"
	"strings"
)

// Selector is a closed selection policy for picking which followed patient
// to read. Construct one with FirstConnection, ByName, ByIndex or
// ByPredicate.
type Selector struct {
	kind      selectorKind
	name      string
	index     int
	predicate func(Connection) bool
}

type selectorKind int

const (
	selectFirst selectorKind = iota
	selectByName
	selectByIndex
	selectByPredicate
)

// FirstConnection selects whichever connection the vendor lists first.
// The vendor's ordering is not guaranteed stable.
func FirstConnection() Selector {
	return Selector{kind: selectFirst}
}

// ByName selects the connection whose "First Last" name equals name,
// case-insensitively. Partial names do not match.
func ByName(name string) Selector {
	return Selector{kind: selectByName, name: name}
}

// ByIndex selects the connection at position i in the vendor's list.
func ByIndex(i int) Selector {
	return Selector{kind: selectByIndex, index: i}
}

// ByPredicate selects the first connection for which fn returns true.
func ByPredicate(fn func(Connection) bool) Selector {
	return Selector{kind: selectByPredicate, predicate: fn}
}

func (s Selector) pick(conns []Connection) (string, error) {
	if len(conns) == 0 {
		return "", ErrNoConnections
	}
	switch s.kind {
	case selectByName:
		want := strings.ToLower(s.name)
		for _, c := range conns {
			if strings.ToLower(c.FullName()) == want {
				return c.PatientID, nil
			}
		}
		return "", &ConnectionNotFoundError{Name: s.name}
	case selectByIndex:
		if s.index < 0 || s.index >= len(conns) {
			return "", fmt.Errorf("connection index %d out of range (have %d connections)", s.index, len(conns))
		}
		return conns[s.index].PatientID, nil
	case selectByPredicate:
		for _, c := range conns {
			if s.predicate(c) {
				return c.PatientID, nil
			}
		}
		return "", &ConnectionNotFoundError{Name: "<predicate>"}
	default:
		return conns[0].PatientID, nil
	}
}
