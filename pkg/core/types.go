package core

import (
	"bytes"
	"fmt"
	"iter"
	"slices"
)

// Stage names one phase of a local job run.
type Stage string

const (
	StageMap     Stage = "map"
	StageCombine Stage = "combine"
	StageReduce  Stage = "reduce"
)

func (s Stage) Valid() bool {
	switch s {
	case StageMap, StageCombine, StageReduce:
		return true
	}
	return false
}

func (s Stage) String() string {
	return string(s)
}

// Record is the unit of data flowing between stages. Key and Value are opaque.
type Record struct {
	Key   []byte
	Value []byte
}

func NewRecord(key, value string) Record {
	return Record{Key: []byte(key), Value: []byte(value)}
}

func (r Record) String() string {
	return fmt.Sprintf("%q=%q", r.Key, r.Value)
}

// SortRecords orders records by key only. Records with equal keys keep their
// relative order.
func SortRecords(records []Record) {
	slices.SortStableFunc(records, func(left, right Record) int {
		return bytes.Compare(left.Key, right.Key)
	})
}

// Records returns a sequence over an in-memory slice.
func Records(records []Record) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for _, record := range records {
			if !yield(record, nil) {
				return
			}
		}
	}
}

// Collect drains a sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var records []Record
	for record, err := range seq {
		if err != nil {
			return records, err
		}
		records = append(records, record)
	}
	return records, nil
}
