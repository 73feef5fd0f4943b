package stratakv

// MergeOperator folds Merge operands into values. Reads and compactions
// call FullMerge with the newest base value (nil when the history
// bottoms out in a delete or nothing at all) and the operands in oldest
// to newest order.
//
// PartialMerge may combine adjacent operands without a base; returning
// ok=false leaves them for a later FullMerge. Operators for which
// partial combination changes the outcome must return false.
type MergeOperator interface {
	// Name identifies the operator. Stores written with one operator
	// must be read with a compatible one.
	Name() string

	// FullMerge resolves operands against base. Returning ok=false
	// signals an unmergeable history, surfaced to readers as
	// corruption.
	FullMerge(key, base []byte, operands [][]byte) (value []byte, ok bool)

	// PartialMerge combines two adjacent operands, newer last.
	PartialMerge(key, left, right []byte) (operand []byte, ok bool)
}

// AppendMergeOperator concatenates operands with a separator: a Merge
// acts as "append this suffix". Useful for building lists.
type AppendMergeOperator struct {
	Sep byte
}

func (AppendMergeOperator) Name() string { return "stratakv.AppendMergeOperator" }

func (op AppendMergeOperator) FullMerge(key, base []byte, operands [][]byte) ([]byte, bool) {
	out := append([]byte(nil), base...)
	for _, o := range operands {
		if len(out) > 0 {
			out = append(out, op.Sep)
		}
		out = append(out, o...)
	}
	return out, true
}

func (op AppendMergeOperator) PartialMerge(key, left, right []byte) ([]byte, bool) {
	out := make([]byte, 0, len(left)+1+len(right))
	out = append(out, left...)
	out = append(out, op.Sep)
	return append(out, right...), true
}
