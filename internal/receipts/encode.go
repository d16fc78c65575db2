package receipts

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
	"lukechampine.com/blake3"

	"github.com/mdzesseis/knhkd/internal/kerntypes"
)

// canonicalBytesWithoutCRC serializes r deterministically, excluding the
// CRC32 field itself (which is computed over exactly this byte form) and
// the Signature (appended separately by the log writer once the CRC is
// known, so that signing covers the checksummed record).
func canonicalBytesWithoutCRC(r *kerntypes.Receipt) []byte {
	var buf []byte
	putU64 := func(v uint64) { buf = appendU64(buf, v) }
	putStr := func(s string) { buf = appendStr(buf, s) }

	putU64(r.ID)
	putStr(r.CaseID)
	putU64(uint64(r.PatternID))
	putU64(uint64(r.Timestamp.UnixNano()))
	putU64(r.StateHash)

	keys := sortedKeys(r.Inputs)
	putU64(uint64(len(keys)))
	for _, k := range keys {
		putStr(k)
		putStr(r.Inputs[k].String())
	}

	putU64(uint64(len(r.GuardsEvaluated)))
	for _, g := range r.GuardsEvaluated {
		putU64(g.PredicateID)
		if g.Passed {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}

	putU64(uint64(len(r.Decisions)))
	for _, d := range r.Decisions {
		putStr(d.Description)
		putStr(string(d.FlowID))
		if d.Taken {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}

	putU64(uint64(r.TimingTicks))
	if r.ParentReceipt != nil {
		buf = append(buf, 1)
		putU64(*r.ParentReceipt)
	} else {
		buf = append(buf, 0)
	}
	putStr(string(r.Kind))
	putStr(r.ErrorCode)

	return buf
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendStr(buf []byte, s string) []byte {
	buf = appendU64(buf, uint64(len(s)))
	return append(buf, s...)
}

func sortedKeys(m map[string]kerntypes.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ComputeStateHash derives the deterministic state hash for a step
// identified by (caseID, patternID, variables): the spec requires
// state_hash be deterministic in exactly these three inputs.
func ComputeStateHash(caseID string, patternID int, variables map[string]kerntypes.Value) uint64 {
	h := xxhash.New()
	write := func(b []byte) { h.Write(b) }

	write([]byte(caseID))
	write(appendU64(nil, uint64(patternID)))
	for _, k := range sortedKeys(variables) {
		write([]byte(k))
		write([]byte(variables[k].String()))
	}
	return h.Sum64()
}

// ContentHash returns the blake3 content address of r's canonical bytes
// (including the CRC32, once assigned): a position-independent identity
// for the record. The log does not store or index it.
func ContentHash(r *kerntypes.Receipt) [32]byte {
	b := canonicalBytesWithoutCRC(r)
	b = appendU64(b, uint64(r.CRC32))
	sum := blake3.Sum256(b)
	return sum
}
