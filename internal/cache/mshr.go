package cache

import (
	"math"

	"github.com/rcornwell/memhier/internal/addr"
	"github.com/rcornwell/memhier/internal/channel"
)

// mshrState is the explicit sum type for an in-flight miss (spec.md S4.2,
// "State machine for an individual miss"; spec.md S9 explicitly rejects a
// bag of booleans for this).
//
// spec.md's full chain is NEW -> QUEUED -> TAGGING -> TRANSLATING (optional)
// -> TAG_RECHECK (optional) -> MSHR_INFLIGHT -> FILL_SCHEDULED -> FILLED. The
// first five stages never own an mshrEntry here: a packet awaiting
// translation or its first tag check simply sits at the head of its
// channel's RQ/PQ (handleReadAndPrefetch, issueTranslation, finishTranslation
// operate on it there) and only becomes an mshrEntry once handle_miss
// allocates one, already past TAG_RECHECK. FILLED has no corresponding state
// either: install removes the entry from the MSHR in the same step that
// would otherwise mark it FILLED.
type mshrState int

const (
	mshrInflight mshrState = iota
	mshrFillScheduled
)

func (s mshrState) String() string {
	switch s {
	case mshrInflight:
		return "MSHR_INFLIGHT"
	case mshrFillScheduled:
		return "FILL_SCHEDULED"
	default:
		return "UNKNOWN"
	}
}

// infiniteCycle stands in for the spec's event_cycle = infinity, meaning "no
// fill scheduled yet."
const infiniteCycle = math.MaxUint64

// producer is one entry of an MSHR's to_return set: the upward channel to
// deliver a response on, plus the response shape to deliver, gated (spec.md
// S9 Open Question 3) on the originating request having had
// ResponseRequested set at fold time.
type producer struct {
	upward   *channel.Channel
	response channel.Response
}

// mshrEntry is a single outstanding miss.
type mshrEntry struct {
	state mshrState

	address  addr.Addr // block-aligned physical address
	vaddress addr.Addr
	reqType  channel.Type

	cpu     uint32
	asid    [2]uint8
	ip      addr.Addr
	instrID uint64

	isPrefetch    bool
	fillThisLevel bool
	pfMetadata    uint32

	cycleEnqueued uint64
	eventCycle    uint64

	toReturn        []producer
	instrDependOnMe []uint64
}

// addProducer folds req into an existing or new MSHR entry: unions
// instr_depend_on_me and, only when req.ResponseRequested was set, appends a
// producer so the fill phase emits exactly one response per requesting
// producer.
func (e *mshrEntry) addProducer(req channel.Request, upward *channel.Channel) {
	e.instrDependOnMe = append(e.instrDependOnMe, req.InstrDependOnMe...)
	if req.ResponseRequested && upward != nil {
		e.toReturn = append(e.toReturn, producer{upward: upward, response: channel.ResponseFromRequest(req)})
	}
}
