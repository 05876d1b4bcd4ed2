package car

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"
)

// chunkSize is the maximum leaf block size
const chunkSize = 1 << 20

// BuildResult describes a built archive
type BuildResult struct {
	Car        []byte
	Root       cid.Cid
	BlockCount int
}

// Build archives a payload as a CARv1: the payload is chunked into raw
// leaf blocks and, when more than one leaf results, linked under a
// dag-pb interior root. Zero-byte payloads yield a single empty leaf.
func Build(payload []byte) (*BuildResult, error) {
	var leaves [][]byte
	if len(payload) == 0 {
		leaves = [][]byte{{}}
	}
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		leaves = append(leaves, payload[off:end])
	}

	blocks := make([]block, 0, len(leaves)+1)
	links := make([]pbLink, 0, len(leaves))
	for _, leaf := range leaves {
		c, err := hashCid(leaf, cid.Raw)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block{cid: c, data: leaf})
		links = append(links, pbLink{Hash: c, Tsize: uint64(len(leaf))})
	}

	var root cid.Cid
	if len(blocks) == 1 {
		root = blocks[0].cid
	} else {
		node := encodeDagPBNode(links)
		c, err := hashCid(node, cid.DagProtobuf)
		if err != nil {
			return nil, err
		}
		root = c
		// Root first so the validator can start traversal immediately.
		blocks = append([]block{{cid: c, data: node}}, blocks...)
	}

	var out bytes.Buffer
	header := encodeHeader([]cid.Cid{root})
	out.Write(varint.ToUvarint(uint64(len(header))))
	out.Write(header)
	for _, b := range blocks {
		section := append(b.cid.Bytes(), b.data...)
		out.Write(varint.ToUvarint(uint64(len(section))))
		out.Write(section)
	}

	return &BuildResult{
		Car:        out.Bytes(),
		Root:       root,
		BlockCount: len(blocks),
	}, nil
}

type block struct {
	cid  cid.Cid
	data []byte
}

func hashCid(data []byte, codec uint64) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to hash block: %w", err)
	}
	return cid.NewCidV1(codec, mh), nil
}
