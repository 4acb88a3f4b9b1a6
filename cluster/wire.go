package cluster

// CBOR-based wire protocol: every frame is a 4-byte big-endian length followed
// by a CBOR-encoded message carrying a Base{T,From} header. Messages belong to
// one of four logical channels; a wait on one channel is never satisfied by a
// message from another (each message type has its own per-peer inbox).

type Channel uint8

const (
	ChSignals Channel = iota + 1 // counter aggregation rounds
	ChTable                      // gossip-ring store exchange
	ChMove                       // move arbitration + end-of-search reconcile
	ChInput                      // command-line relay
)

type MsgType uint8

const (
	MTHello MsgType = iota + 1
	MTHelloResp
	MTSignals
	MTEntries
	MTLine
	MTMove
	MTPV
	MTMaxRound
)

// channelOf maps a message type to its logical channel.
func channelOf(t MsgType) Channel {
	switch t {
	case MTSignals:
		return ChSignals
	case MTEntries:
		return ChTable
	case MTMove, MTPV, MTMaxRound:
		return ChMove
	case MTLine:
		return ChInput
	}
	return 0
}

type Base struct {
	T    MsgType `cbor:"t"`
	From int     `cbor:"f"`
}

type MsgHello struct {
	Base
	Rank  int `cbor:"r"`
	Ranks int `cbor:"n"`
}

type MsgHelloResp struct {
	Base
	OK  bool   `cbor:"ok"`
	Err string `cbor:"err,omitempty"`
}

// Signal slot indices of the counter tuple.
const (
	SigNodes = iota
	SigStop
	SigTB
	SigSaves
	SigNB
)

type MsgSignals struct {
	Base
	Round  uint64        `cbor:"rd"`
	Counts [SigNB]uint64 `cbor:"c"`
}

// KeyedEntry is a store-table record plus its key, copied by value around the
// ring. K == 0 marks an unused slot.
type KeyedEntry struct {
	K  uint64 `cbor:"k"`
	V  int16  `cbor:"v"`
	Ev int16  `cbor:"ev"`
	D  uint8  `cbor:"d"`
	B  uint8  `cbor:"b"`
	M  uint32 `cbor:"m"`
	PV bool   `cbor:"pv"`
}

type MsgEntries struct {
	Base
	Round   uint64       `cbor:"rd"`
	Entries []KeyedEntry `cbor:"es"`
}

type MsgLine struct {
	Base
	Text string `cbor:"s"`
	OK   bool   `cbor:"ok"` // false once the coordinating rank's stream ended
}

type MsgMove struct {
	Base
	Move   uint32 `cbor:"m"`
	Ponder uint32 `cbor:"p"`
	Depth  int32  `cbor:"d"`
	Score  int32  `cbor:"sc"`
	Rank   int32  `cbor:"r"`
}

type MsgPV struct {
	Base
	Text string `cbor:"s"`
}

// Reconcile counters exchanged by the end-of-search max-reduction.
const (
	roundSignals uint8 = iota
	roundTable
)

type MsgMaxRound struct {
	Base
	Kind  uint8  `cbor:"kd"`
	Round uint64 `cbor:"rd"`
}
