package audio

// G.711 u-law decode to signed 16-bit PCM. The engine only decodes to
// measure energy; audio is forwarded upstream still u-law encoded.

const ulawBias = 0x84

var ulawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		u := ^uint8(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		magnitude := ((int32(mantissa) << 3) + ulawBias) << exponent
		magnitude -= ulawBias
		if sign != 0 {
			ulawDecodeTable[i] = int16(-magnitude)
		} else {
			ulawDecodeTable[i] = int16(magnitude)
		}
	}
}

// DecodeSample expands one u-law byte to linear PCM.
func DecodeSample(b byte) int16 {
	return ulawDecodeTable[b]
}

// meanAbsAmplitude averages absolute linear amplitude over the payload.
func meanAbsAmplitude(payload []byte) int {
	if len(payload) == 0 {
		return 0
	}
	var sum int64
	for _, b := range payload {
		v := int64(ulawDecodeTable[b])
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return int(sum / int64(len(payload)))
}
