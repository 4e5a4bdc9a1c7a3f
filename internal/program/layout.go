package program

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Layout identifies one known account encoding.
type Layout int

const (
	// LayoutCounter is {disc, count u64}.
	LayoutCounter Layout = iota + 1
	// LayoutSessionCounter is {disc, authority [32]byte, count u64}.
	LayoutSessionCounter
	// LayoutPlayer is {disc, last_result u8, rolls u64}.
	LayoutPlayer
)

var (
	counterDisc = AccountDiscriminator("Counter")
	playerDisc  = AccountDiscriminator("Player")
)

func (l Layout) String() string {
	switch l {
	case LayoutCounter:
		return "counter"
	case LayoutSessionCounter:
		return "session-counter"
	case LayoutPlayer:
		return "player"
	}
	return fmt.Sprintf("layout(%d)", int(l))
}

// Size is the exact encoded length of the layout.
func (l Layout) Size() int {
	switch l {
	case LayoutCounter:
		return 8 + 8
	case LayoutSessionCounter:
		return 8 + 32 + 8
	case LayoutPlayer:
		return 8 + 1 + 8
	}
	return 0
}

// State is the decoded domain value of an account together with the
// monotonic counter that orders its updates.
type State struct {
	Value     uint64           `json:"value"`
	Sequence  uint64           `json:"sequence"`
	Authority solana.PublicKey `json:"authority,omitempty"`
}

// DecodeError reports account bytes that do not match the expected layout.
type DecodeError struct {
	Layout Layout
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s account: %s", e.Layout, e.Reason)
}

// Decode interprets data as layout after validating its length and
// discriminator.
func Decode(layout Layout, data []byte) (State, error) {
	size := layout.Size()
	if size == 0 {
		return State{}, &DecodeError{Layout: layout, Reason: "unknown layout"}
	}
	if len(data) < size {
		return State{}, &DecodeError{Layout: layout, Reason: fmt.Sprintf("%d bytes, want %d", len(data), size)}
	}

	var disc [8]byte
	copy(disc[:], data[:8])
	want := counterDisc
	if layout == LayoutPlayer {
		want = playerDisc
	}
	if disc != want {
		return State{}, &DecodeError{Layout: layout, Reason: fmt.Sprintf("discriminator %x, want %x", disc, want)}
	}

	body := data[8:size]
	switch layout {
	case LayoutCounter:
		count := binary.LittleEndian.Uint64(body)
		return State{Value: count, Sequence: count}, nil
	case LayoutSessionCounter:
		count := binary.LittleEndian.Uint64(body[32:])
		return State{Value: count, Sequence: count, Authority: solana.PublicKeyFromBytes(body[:32])}, nil
	default:
		return State{Value: uint64(body[0]), Sequence: binary.LittleEndian.Uint64(body[1:])}, nil
	}
}

// Encode is the inverse of Decode; Authority is only used by
// LayoutSessionCounter.
func Encode(layout Layout, st State) ([]byte, error) {
	out := make([]byte, 0, layout.Size())
	switch layout {
	case LayoutCounter:
		out = append(out, counterDisc[:]...)
		out = binary.LittleEndian.AppendUint64(out, st.Sequence)
	case LayoutSessionCounter:
		out = append(out, counterDisc[:]...)
		out = append(out, st.Authority[:]...)
		out = binary.LittleEndian.AppendUint64(out, st.Sequence)
	case LayoutPlayer:
		if st.Value > 255 {
			return nil, &DecodeError{Layout: layout, Reason: fmt.Sprintf("result %d does not fit u8", st.Value)}
		}
		out = append(out, playerDisc[:]...)
		out = append(out, byte(st.Value))
		out = binary.LittleEndian.AppendUint64(out, st.Sequence)
	default:
		return nil, &DecodeError{Layout: layout, Reason: "unknown layout"}
	}
	return out, nil
}
