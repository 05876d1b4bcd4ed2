package car

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
)

// The CARv1 header is a dag-cbor map {roots: [cid], version: 1}. Only
// that shape is produced and consumed here, so the codec below covers
// the needed subset of CBOR rather than pulling in a full library.

const cidTag = 42

func encodeHeader(roots []cid.Cid) []byte {
	var b bytes.Buffer

	b.WriteByte(0xa2) // map(2)

	writeCborText(&b, "roots")
	writeCborArrayHead(&b, len(roots))
	for _, root := range roots {
		// tag(42) over the identity-prefixed cid bytes
		b.WriteByte(0xd8)
		b.WriteByte(cidTag)
		writeCborBytes(&b, append([]byte{0x00}, root.Bytes()...))
	}

	writeCborText(&b, "version")
	writeCborUint(&b, 1)

	return b.Bytes()
}

func writeCborHead(b *bytes.Buffer, major byte, n uint64) {
	switch {
	case n < 24:
		b.WriteByte(major<<5 | byte(n))
	case n < 1<<8:
		b.WriteByte(major<<5 | 24)
		b.WriteByte(byte(n))
	case n < 1<<16:
		b.WriteByte(major<<5 | 25)
		b.WriteByte(byte(n >> 8))
		b.WriteByte(byte(n))
	default:
		b.WriteByte(major<<5 | 26)
		b.WriteByte(byte(n >> 24))
		b.WriteByte(byte(n >> 16))
		b.WriteByte(byte(n >> 8))
		b.WriteByte(byte(n))
	}
}

func writeCborText(b *bytes.Buffer, s string) {
	writeCborHead(b, 3, uint64(len(s)))
	b.WriteString(s)
}

func writeCborBytes(b *bytes.Buffer, p []byte) {
	writeCborHead(b, 2, uint64(len(p)))
	b.Write(p)
}

func writeCborArrayHead(b *bytes.Buffer, n int) {
	writeCborHead(b, 4, uint64(n))
}

func writeCborUint(b *bytes.Buffer, n uint64) {
	writeCborHead(b, 0, n)
}

func readCborHead(r *bytes.Reader) (major byte, n uint64, err error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	major = first >> 5
	info := first & 0x1f
	switch {
	case info < 24:
		return major, uint64(info), nil
	case info == 24, info == 25, info == 26, info == 27:
		width := 1 << (info - 24)
		buf := make([]byte, width)
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, 0, err
		}
		for _, c := range buf {
			n = n<<8 | uint64(c)
		}
		return major, n, nil
	default:
		return 0, 0, fmt.Errorf("unsupported cbor additional info %d", info)
	}
}

// decodeHeader parses the CARv1 header, returning the declared roots
func decodeHeader(data []byte) (roots []cid.Cid, version uint64, err error) {
	r := bytes.NewReader(data)

	major, pairs, err := readCborHead(r)
	if err != nil || major != 5 {
		return nil, 0, errors.New("car header is not a cbor map")
	}

	for i := uint64(0); i < pairs; i++ {
		major, klen, err := readCborHead(r)
		if err != nil || major != 3 {
			return nil, 0, errors.New("car header key is not text")
		}
		key := make([]byte, klen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, 0, err
		}

		switch string(key) {
		case "version":
			major, v, err := readCborHead(r)
			if err != nil || major != 0 {
				return nil, 0, errors.New("car header version is not an unsigned int")
			}
			version = v
		case "roots":
			major, count, err := readCborHead(r)
			if err != nil || major != 4 {
				return nil, 0, errors.New("car header roots is not an array")
			}
			for j := uint64(0); j < count; j++ {
				root, err := readCborCid(r)
				if err != nil {
					return nil, 0, err
				}
				roots = append(roots, root)
			}
		default:
			return nil, 0, fmt.Errorf("unexpected car header key %q", key)
		}
	}

	if version != 1 {
		return nil, 0, fmt.Errorf("unsupported car version %d", version)
	}
	if len(roots) == 0 {
		return nil, 0, errors.New("car header declares no roots")
	}
	return roots, version, nil
}

func readCborCid(r *bytes.Reader) (cid.Cid, error) {
	major, tag, err := readCborHead(r)
	if err != nil || major != 6 || tag != cidTag {
		return cid.Undef, errors.New("car root is not a cid tag")
	}
	major, blen, err := readCborHead(r)
	if err != nil || major != 2 {
		return cid.Undef, errors.New("car root tag is not a byte string")
	}
	buf := make([]byte, blen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return cid.Undef, err
	}
	if len(buf) == 0 || buf[0] != 0x00 {
		return cid.Undef, errors.New("car root bytes missing identity prefix")
	}
	parsed, err := cid.Cast(buf[1:])
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to parse root cid: %w", err)
	}
	return parsed, nil
}
