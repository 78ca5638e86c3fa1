// Package instruction implements the split-instruction codec: a
// bit-packed encoding of a sequence of sub-circuit IDs into a relay
// cell payload (spec §4.C), plus the instruction queue consumed by a
// session (spec §4.E/§4.F).
package instruction

import (
	"fmt"

	"github.com/cvsouth/splitcore/split"
	"github.com/cvsouth/splitcore/split/splitkind"
)

// TypeGeneric is the only instruction wire-type defined today.
const TypeGeneric uint8 = 0x00

// bitMaskRight returns the low (8-fromPosition) bits set, matching the
// original codec's bit_mask_right helper.
func bitMaskRight(fromPosition uint) uint8 {
	return 0xFF >> fromPosition
}

// width returns max(1, ceil(log2(maxID+1))), the minimal bit width that
// can represent every ID in [0, maxID] (spec's W = max(1, ceil(log2(max_id+1)))).
func width(maxID split.SubcircID) uint8 {
	if maxID == 0 {
		return 1
	}
	var w uint8
	for maxID != 0 {
		maxID >>= 1
		w++
	}
	return w
}

// MaxCount returns the maximum number of IDs that fit a payload of
// payloadCap bytes (including the 2-byte header) given bit width w.
func MaxCount(w uint8, payloadCap int) int {
	dataLen := payloadCap - 2
	if dataLen <= 0 {
		return 0
	}
	totalBits := dataLen * 8
	return totalBits / int(w)
}

// Encode packs ids into a GENERIC instruction payload sized to fit
// payloadCap bytes total. It fails if the encoding would not fit.
func Encode(ids []split.SubcircID, payloadCap int) ([]byte, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: encode: empty id sequence", splitkind.ErrProtocol)
	}

	var maxID split.SubcircID
	for _, id := range ids {
		if id > maxID {
			maxID = id
		}
	}
	w := width(maxID)

	totalBits := len(ids) * int(w)
	emptyBits := uint8(0)
	if totalBits%8 != 0 {
		emptyBits = uint8(8 - totalBits%8)
	}
	length := totalBits / 8
	if emptyBits != 0 {
		length++
	}
	length += 2

	if length > payloadCap {
		return nil, fmt.Errorf("%w: encode: %d bytes needed, %d available", splitkind.ErrCapacityExceeded, length, payloadCap)
	}

	payload := make([]byte, length)
	payload[0] = TypeGeneric
	payload[1] = (w << 3) | (emptyBits & 0x07)

	body := payload[2:]
	currByte, currBit := 0, uint(0)
	for _, id := range ids {
		currentID := uint32(id)
		remaining := w

		if currBit+uint(remaining) > 8 {
			shift := uint(remaining) + currBit - 8
			body[currByte] |= byte((currentID>>shift)&uint32(bitMaskRight(currBit)))
			remaining = uint8(uint(remaining) + currBit - 8)
			currByte++
			currBit = 0
		}

		for remaining != 0 && currBit+uint(remaining) > 8 {
			body[currByte] = byte(currentID >> (uint(remaining) - 8))
			remaining -= 8
			currByte++
		}

		if remaining != 0 {
			body[currByte] |= byte((currentID << (8 - (currBit + uint(remaining)))) & uint32(bitMaskRight(currBit)))
			currBit += uint(remaining)
			if currBit == 8 {
				currBit = 0
				currByte++
			}
		}
	}

	return payload, nil
}

// Decode unpacks a GENERIC instruction payload into its ID sequence.
func Decode(payload []byte) ([]split.SubcircID, error) {
	if len(payload) < 3 {
		return nil, fmt.Errorf("%w: decode: payload too short (%d bytes)", splitkind.ErrProtocol, len(payload))
	}
	if payload[0] != TypeGeneric {
		return nil, fmt.Errorf("%w: decode: unknown instruction type %d", splitkind.ErrProtocol, payload[0])
	}

	w := payload[1] >> 3
	emptyBits := payload[1] & 0x07
	if w == 0 {
		return nil, fmt.Errorf("%w: decode: width must be positive", splitkind.ErrProtocol)
	}

	body := payload[2:]
	totalBits := len(body) * 8
	if totalBits <= int(emptyBits) {
		return nil, fmt.Errorf("%w: decode: payload shorter than empty-bit count", splitkind.ErrProtocol)
	}
	totalBits -= int(emptyBits)

	if totalBits%int(w) != 0 {
		return nil, fmt.Errorf("%w: decode: %d total bits not divisible by width %d", splitkind.ErrProtocol, totalBits, w)
	}

	num := totalBits / int(w)
	ids := make([]split.SubcircID, 0, num)

	bitsRead, currByte, currBit := 0, 0, uint(0)
	for bitsRead < totalBits {
		var currentID uint32
		remaining := w

		if currBit+uint(remaining) > 8 {
			currentID |= uint32(body[currByte] & bitMaskRight(currBit))
			remaining = uint8(uint(remaining) + currBit - 8)
			currByte++
			currBit = 0
		}

		for remaining != 0 && currBit+uint(remaining) > 8 {
			currentID = currentID<<8 | uint32(body[currByte])
			remaining -= 8
			currByte++
		}

		if remaining != 0 {
			currentID <<= uint(remaining)
			currentID |= uint32(body[currByte]&bitMaskRight(currBit)) >> (8 - (currBit + uint(remaining)))
			currBit += uint(remaining)
			if currBit == 8 {
				currBit = 0
				currByte++
			}
		}

		ids = append(ids, split.SubcircID(currentID))
		bitsRead += int(w)
	}

	return ids, nil
}
