package car

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"

	"github.com/filbeam/spprobe/pkg/types"
)

// Validation error tags carried in ValidationResult.Errors
const (
	ErrTagRootMismatch = "root-cid-mismatch"
	ErrTagCidVerify    = "cid-verify-error"
	ErrTagCarRead      = "car-read-error"
)

// ValidationMethod identifies this validator in retrieval rows
const ValidationMethod = "car-stream"

// maxSectionSize bounds a single CAR section to keep a malformed length
// prefix from allocating unbounded memory
const maxSectionSize = 8 << 20

// ValidateStream lazily reads a CARv1 stream, checks the declared root
// against expectedRoot and verifies every block's hash against its cid.
// closeHook runs exactly once, on success and on every early exit, so
// callers can release the underlying transport.
func ValidateStream(r io.Reader, expectedRoot cid.Cid, closeHook func()) *types.ValidationResult {
	result := &types.ValidationResult{Method: ValidationMethod}

	hookDone := false
	closeOnce := func() {
		if !hookDone && closeHook != nil {
			hookDone = true
			closeHook()
		}
	}
	defer closeOnce()

	br := bufio.NewReader(r)

	header, err := readSection(br)
	if err != nil {
		result.Errors = append(result.Errors, tagged(ErrTagCarRead, err))
		return result
	}
	roots, _, err := decodeHeader(header)
	if err != nil {
		result.Errors = append(result.Errors, tagged(ErrTagCarRead, err))
		return result
	}

	if !roots[0].Equals(expectedRoot) {
		result.Errors = append(result.Errors,
			tagged(ErrTagRootMismatch, fmt.Errorf("declared root %s, expected %s", roots[0], expectedRoot)))
		return result
	}

	sawRoot := false
	for {
		section, err := readSection(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			result.Errors = append(result.Errors, tagged(ErrTagCarRead, err))
			return result
		}

		n, blockCid, err := cid.CidFromBytes(section)
		if err != nil {
			result.Errors = append(result.Errors, tagged(ErrTagCarRead, fmt.Errorf("failed to parse block cid: %w", err)))
			return result
		}
		data := section[n:]
		result.BytesRead += int64(len(data))

		computed, err := blockCid.Prefix().Sum(data)
		if err != nil {
			result.Errors = append(result.Errors, tagged(ErrTagCidVerify, err))
			return result
		}
		if !computed.Equals(blockCid) {
			result.Errors = append(result.Errors,
				tagged(ErrTagCidVerify, fmt.Errorf("block %s hashes to %s", blockCid, computed)))
			return result
		}
		if blockCid.Equals(expectedRoot) {
			sawRoot = true
		}
	}

	if !sawRoot {
		result.Errors = append(result.Errors,
			tagged(ErrTagCarRead, errors.New("declared root block missing from archive")))
		return result
	}

	result.IsValid = true
	result.VerifiedRootCID = expectedRoot.String()
	result.Details = "all blocks verified"
	return result
}

// readSection reads one varint-length-prefixed section. io.EOF before
// the length prefix means a clean end of stream.
func readSection(br *bufio.Reader) ([]byte, error) {
	size, err := varint.ReadUvarint(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read section length: %w", err)
	}
	if size == 0 || size > maxSectionSize {
		return nil, fmt.Errorf("section length %d out of range", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, fmt.Errorf("failed to read section: %w", err)
	}
	return buf, nil
}

func tagged(tag string, err error) string {
	return tag + ": " + err.Error()
}
