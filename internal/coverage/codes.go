package coverage

// Code records which provider class last supplied a minute's bar. The
// values are identifiers, not an ordered scale; fidelity ordering lives in
// Rank. 0 means no data at all.
type Code byte

const (
	// CodeMissing means the minute has never been filled.
	CodeMissing Code = 0
	// CodePrimary means the minute came from the venue's own candle API.
	CodePrimary Code = 1
	// CodeOrderBook means the minute was synthesized from archived order-book snapshots.
	CodeOrderBook Code = 2
	// CodeFallback means the minute came from a proxy market or third-party vendor.
	CodeFallback Code = 3

	// NumCodes is the size of the code domain (2 bits per minute).
	NumCodes = 4
)

func (c Code) String() string {
	switch c {
	case CodeMissing:
		return "missing"
	case CodePrimary:
		return "primary"
	case CodeOrderBook:
		return "orderbook"
	case CodeFallback:
		return "fallback"
	}
	return "invalid"
}

// Valid reports whether c fits in the 2-bit on-disk encoding.
func (c Code) Valid() bool { return c < NumCodes }

// Rank orders codes by fidelity. The wire values are trust levels, not an
// ordered scale: code 1 (primary) outranks 2 (orderbook) outranks
// 3 (fallback), and 0 (missing) loses to everything.
func (c Code) Rank() int {
	switch c {
	case CodePrimary:
		return 3
	case CodeOrderBook:
		return 2
	case CodeFallback:
		return 1
	}
	return 0
}

// Outranks reports whether c is strictly higher fidelity than o.
func (c Code) Outranks(o Code) bool { return c.Rank() > o.Rank() }
