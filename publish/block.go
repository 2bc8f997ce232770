package publish

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// BlockHeader begins the body of every BLOCK message.
type BlockHeader struct {
	Session   uint32 // counts sessions since the Publisher was made, from 1
	Seq       uint32 // block number within the session, from 0
	Nchannels uint32
	Nsamples  uint32
}

// HeaderSize is the encoded size of a BlockHeader in bytes.
const HeaderSize = 16

// Block is one decoded BLOCK message.
type Block struct {
	BlockHeader
	Time    []float64
	Samples *mat.Dense // Nchannels x Nsamples
}

// EncodeBlock packs one block into a message body. All values are
// little-endian: the BlockHeader, then Nsamples float64 times, then the
// samples as float64 in channel-major order.
func EncodeBlock(session, seq uint32, t []float64, samples *mat.Dense) ([]byte, error) {
	if samples == nil {
		return nil, fmt.Errorf("EncodeBlock: nil samples")
	}
	nchan, nsamp := samples.Dims()
	if len(t) != nsamp {
		return nil, fmt.Errorf("EncodeBlock: %d times for %d samples", len(t), nsamp)
	}
	buf := make([]byte, 0, HeaderSize+8*nsamp*(1+nchan))
	buf = binary.LittleEndian.AppendUint32(buf, session)
	buf = binary.LittleEndian.AppendUint32(buf, seq)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(nchan))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(nsamp))
	buf = appendFloat64s(buf, t)
	for c := 0; c < nchan; c++ {
		buf = appendFloat64s(buf, samples.RawRowView(c))
	}
	return buf, nil
}

func appendFloat64s(buf []byte, v []float64) []byte {
	for _, x := range v {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(x))
	}
	return buf
}

// DecodeBlock unpacks the body of a BLOCK message.
func DecodeBlock(body []byte) (*Block, error) {
	if len(body) < HeaderSize {
		return nil, fmt.Errorf("DecodeBlock: message of %d bytes is shorter than a header", len(body))
	}
	var b Block
	b.Session = binary.LittleEndian.Uint32(body[0:])
	b.Seq = binary.LittleEndian.Uint32(body[4:])
	b.Nchannels = binary.LittleEndian.Uint32(body[8:])
	b.Nsamples = binary.LittleEndian.Uint32(body[12:])
	// The header fields are untrusted: check them against the body size in
	// 64-bit arithmetic, which cannot overflow for 32-bit fields.
	have := uint64(len(body) - HeaderSize)
	nvalues := uint64(b.Nsamples) * (1 + uint64(b.Nchannels))
	if have%8 != 0 || have/8 != nvalues {
		return nil, fmt.Errorf("DecodeBlock: message of %d bytes does not hold a %dx%d block",
			len(body), b.Nchannels, b.Nsamples)
	}
	nchan, nsamp := int(b.Nchannels), int(b.Nsamples)
	values := make([]float64, have/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[HeaderSize+8*i:]))
	}
	b.Time = values[:nsamp:nsamp]
	if nchan > 0 && nsamp > 0 {
		b.Samples = mat.NewDense(nchan, nsamp, values[nsamp:])
	}
	return &b, nil
}
