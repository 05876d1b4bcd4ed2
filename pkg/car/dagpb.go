package car

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

// Interior nodes are dag-pb: a PBNode whose repeated PBLink field (2)
// carries the child cid in the link's Hash field (1) and the child size
// in Tsize (3). That is the whole subset the harness needs.

func encodeDagPBNode(links []pbLink) []byte {
	var node bytes.Buffer
	for _, l := range links {
		var link bytes.Buffer
		link.WriteByte(0x0a) // field 1 (Hash), length-delimited
		link.Write(varint.ToUvarint(uint64(len(l.Hash.Bytes()))))
		link.Write(l.Hash.Bytes())
		link.WriteByte(0x12) // field 2 (Name), length-delimited
		link.WriteByte(0x00)
		link.WriteByte(0x18) // field 3 (Tsize), varint
		link.Write(varint.ToUvarint(l.Tsize))

		node.WriteByte(0x12) // field 2 (Links), length-delimited
		node.Write(varint.ToUvarint(uint64(link.Len())))
		node.Write(link.Bytes())
	}
	return node.Bytes()
}

type pbLink struct {
	Hash  cid.Cid
	Tsize uint64
}

// DecodeLinks extracts the link cids from a dag-pb node
func DecodeLinks(data []byte) ([]cid.Cid, error) {
	return decodeDagPBLinks(data)
}

func decodeDagPBLinks(data []byte) ([]cid.Cid, error) {
	var links []cid.Cid
	for len(data) > 0 {
		tag, n, err := varint.FromUvarint(data)
		if err != nil {
			return nil, fmt.Errorf("failed to read dag-pb field tag: %w", err)
		}
		data = data[n:]
		field := tag >> 3
		wire := tag & 0x7

		switch wire {
		case 2: // length-delimited
			size, n, err := varint.FromUvarint(data)
			if err != nil {
				return nil, fmt.Errorf("failed to read dag-pb field length: %w", err)
			}
			data = data[n:]
			if uint64(len(data)) < size {
				return nil, fmt.Errorf("dag-pb field truncated")
			}
			payload := data[:size]
			data = data[size:]

			if field == 2 {
				link, err := decodeDagPBLink(payload)
				if err != nil {
					return nil, err
				}
				links = append(links, link)
			}
		case 0: // varint
			_, n, err := varint.FromUvarint(data)
			if err != nil {
				return nil, fmt.Errorf("failed to skip dag-pb varint: %w", err)
			}
			data = data[n:]
		default:
			return nil, fmt.Errorf("unsupported dag-pb wire type %d", wire)
		}
	}
	return links, nil
}

func decodeDagPBLink(data []byte) (cid.Cid, error) {
	for len(data) > 0 {
		tag, n, err := varint.FromUvarint(data)
		if err != nil {
			return cid.Undef, fmt.Errorf("failed to read dag-pb link tag: %w", err)
		}
		data = data[n:]
		field := tag >> 3
		wire := tag & 0x7

		switch wire {
		case 2:
			size, n, err := varint.FromUvarint(data)
			if err != nil {
				return cid.Undef, fmt.Errorf("failed to read dag-pb link length: %w", err)
			}
			data = data[n:]
			if uint64(len(data)) < size {
				return cid.Undef, fmt.Errorf("dag-pb link truncated")
			}
			payload := data[:size]
			data = data[size:]

			if field == 1 {
				parsed, err := cid.Cast(payload)
				if err != nil {
					return cid.Undef, fmt.Errorf("failed to parse link cid: %w", err)
				}
				return parsed, nil
			}
		case 0:
			_, n, err := varint.FromUvarint(data)
			if err != nil {
				return cid.Undef, fmt.Errorf("failed to skip dag-pb link varint: %w", err)
			}
			data = data[n:]
		default:
			return cid.Undef, fmt.Errorf("unsupported dag-pb link wire type %d", wire)
		}
	}
	return cid.Undef, fmt.Errorf("dag-pb link has no hash")
}
