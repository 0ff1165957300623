package cases

import (
	"fmt"
	"strings"
)

// RecordType is the variant of a Case. Each variant maps to one RecordTypeId
// in the org.
type RecordType int

const (
	AnyType RecordType = iota
	Incident
	Change
	Problem
	Release
)

// RecordTypes lists the concrete variants.
var RecordTypes = []RecordType{Incident, Change, Problem, Release}

func (t RecordType) String() string {
	switch t {
	case Incident:
		return "Incident"
	case Change:
		return "Change"
	case Problem:
		return "Problem"
	case Release:
		return "Release"
	default:
		return "Unknown"
	}
}

// ParseRecordType accepts a variant name in any case, singular or plural.
func ParseRecordType(s string) (RecordType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimSuffix(name, "s")
	for _, t := range RecordTypes {
		if strings.ToLower(t.String()) == name {
			return t, nil
		}
	}
	return AnyType, fmt.Errorf("unknown record type %q (want one of incident, change, problem, release)", s)
}

// RecordTypeIDs maps variants to RecordTypeIds.
type RecordTypeIDs map[RecordType]string

// NewRecordTypeIDs converts the name-keyed configuration map. Every variant
// must have an id.
func NewRecordTypeIDs(byName map[string]string) (RecordTypeIDs, error) {
	ids := make(RecordTypeIDs, len(RecordTypes))
	for name, id := range byName {
		t, err := ParseRecordType(name)
		if err != nil {
			return nil, err
		}
		ids[t] = id
	}
	for _, t := range RecordTypes {
		if ids[t] == "" {
			return nil, fmt.Errorf("no RecordTypeId configured for %s", t)
		}
	}
	return ids, nil
}

// TypeOf returns the variant of a RecordTypeId, or AnyType when the id is
// not one of ours.
func (ids RecordTypeIDs) TypeOf(recordTypeID string) RecordType {
	for t, id := range ids {
		if id == recordTypeID {
			return t
		}
	}
	return AnyType
}
