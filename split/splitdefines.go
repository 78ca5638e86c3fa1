// Package split holds the build-time constants shared by every
// traffic-splitting subpackage (reorder, subcirc, instruction, strategy,
// session, client, middle, schedule).
package split

// SubcircID identifies a sub-circuit within a session. MAX_SC = 5 fits
// comfortably in a byte, so the "2-byte ID" build variant from the
// original implementation is not reproduced here.
type SubcircID = uint8

const (
	// MaxSubcircs is the maximum number of sub-circuits in a session.
	MaxSubcircs = 5

	// SplitCookieLen is the length in bytes of an authentication cookie.
	SplitCookieLen = 20

	// MaxNumSplitInstructions bounds the in-flight instruction queue
	// length per direction.
	MaxNumSplitInstructions = 8

	// NumSplitInstructions is the number of instructions pre-emitted per
	// direction when a session is finalised.
	NumSplitInstructions = 2

	// CMin and CMax bound the run length (in cells) of a single pick
	// under BATCHED_WEIGHTED_RANDOM.
	CMin = 50
	CMax = 70
)
