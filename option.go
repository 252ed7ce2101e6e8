package betree

// SegmentOptions configures a segment.
type SegmentOptions struct {
	logger        Logger
	maxTxCredit   Credit // Largest credit a single transaction may open with.
	dictCacheSize int    // Names kept in the dictionary lookup cache.
	dictOrder     int
}

// DefaultSegmentOptions returns safe default configuration.
//
//goland:noinspection GoUnusedExportedFunction
func DefaultSegmentOptions() SegmentOptions {
	return SegmentOptions{
		logger:        DiscardLogger{},
		maxTxCredit:   NewCredit(1<<16, 64<<20), // 64K regions, 64MB
		dictCacheSize: 1024,
		dictOrder:     16,
	}
}

// SegmentOption configures segment options using the functional options
// pattern.
type SegmentOption func(*SegmentOptions)

// WithSegmentLogger sets the logger used by the segment and its dictionary.
//
//goland:noinspection GoUnusedExportedFunction
func WithSegmentLogger(l Logger) SegmentOption {
	return func(opts *SegmentOptions) {
		opts.logger = orDiscard(l)
	}
}

// WithMaxTxCredit bounds the credit a transaction may prepare. Open fails with
// ErrTxTooLarge above it.
//
//goland:noinspection GoUnusedExportedFunction
func WithMaxTxCredit(c Credit) SegmentOption {
	return func(opts *SegmentOptions) {
		opts.maxTxCredit = c
	}
}

// WithDictCacheSize sets how many dictionary names are cached in memory.
//
//goland:noinspection GoUnusedExportedFunction
func WithDictCacheSize(n int) SegmentOption {
	return func(opts *SegmentOptions) {
		opts.dictCacheSize = n
	}
}

// TreeOptions configures a tree handle. Only the order is persisted.
type TreeOptions struct {
	order      int
	invariants bool
	logger     Logger
	faults     FaultInjector
	observer   func(*Op)
}

// DefaultOrder is the fan-out used when WithOrder is not given.
const DefaultOrder = 128

// MinOrder is the smallest usable fan-out.
const MinOrder = 2

// DefaultTreeOptions returns the production configuration: default order, no
// debug invariant checks.
//
//goland:noinspection GoUnusedExportedFunction
func DefaultTreeOptions() TreeOptions {
	return TreeOptions{
		order:  DefaultOrder,
		logger: DiscardLogger{},
	}
}

// TreeOption configures tree options using the functional options pattern.
type TreeOption func(*TreeOptions)

// WithOrder sets the fan-out of a new tree. A node holds at most 2*order-1
// keys. Ignored by OpenTree, which uses the persisted order.
//
//goland:noinspection GoUnusedExportedFunction
func WithOrder(order int) TreeOption {
	return func(opts *TreeOptions) {
		opts.order = order
	}
}

// WithInvariantChecks runs the full tree invariant set before and after every
// mutation. A violation panics. The checks traverse the whole tree, so this is
// meant for tests.
//
//goland:noinspection GoUnusedExportedFunction
func WithInvariantChecks(enabled bool) TreeOption {
	return func(opts *TreeOptions) {
		opts.invariants = enabled
	}
}

// WithLogger sets the logger for tree events.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) TreeOption {
	return func(opts *TreeOptions) {
		opts.logger = orDiscard(l)
	}
}

// WithFaultInjector installs a fault injector consulted by insertions.
//
//goland:noinspection GoUnusedExportedFunction
func WithFaultInjector(f FaultInjector) TreeOption {
	return func(opts *TreeOptions) {
		opts.faults = f
	}
}

// WithOpObserver registers a callback invoked with every completed operation.
//
//goland:noinspection GoUnusedExportedFunction
func WithOpObserver(fn func(*Op)) TreeOption {
	return func(opts *TreeOptions) {
		opts.observer = fn
	}
}

// FaultInjector forces error paths in tests.
type FaultInjector interface {
	// ForceExists makes an insertion of key fail with ErrExists.
	ForceExists(key []byte) bool
}
