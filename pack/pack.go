// Package pack encodes diffs as compressed, hash-verified packs.
package pack

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"weavelab/atom"
	"weavelab/proto"
	"weavelab/repository"
)

// Pack format:
// [4 bytes: header length (big-endian)]
// [header JSON: proto.PackHeader]
// [atom JSON...]
//
// The header lists each added atom's hash, offset (relative to data start)
// and length, plus the deleted hashes. The whole pack is zstd compressed.

const (
	HeaderLengthSize = 4
	MaxHeaderSize    = 10 * 1024 * 1024 // 10MB max header
)

// ErrCorrupt is returned for packs that fail structural or hash checks.
var ErrCorrupt = errors.New("corrupt pack")

// BuildPack creates a zstd-compressed pack from a diff.
func BuildPack(d repository.Diff) ([]byte, error) {
	header := proto.PackHeader{Deletions: d.Deletions, Objects: []proto.PackObjectEntry{}}
	var data bytes.Buffer

	for _, a := range d.Additions {
		content, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encoding atom %s: %w", a.ID, err)
		}
		header.Objects = append(header.Objects, proto.PackObjectEntry{
			Hash:   a.Hash,
			Offset: int64(data.Len()),
			Length: int64(len(content)),
		})
		data.Write(content)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}

	var compressed bytes.Buffer
	encoder, err := zstd.NewWriter(&compressed)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	headerLen := make([]byte, HeaderLengthSize)
	binary.BigEndian.PutUint32(headerLen, uint32(len(headerJSON)))
	for _, part := range [][]byte{headerLen, headerJSON, data.Bytes()} {
		if _, err := encoder.Write(part); err != nil {
			encoder.Close()
			return nil, fmt.Errorf("compressing: %w", err)
		}
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}
	return compressed.Bytes(), nil
}

// ReadPack decompresses and decodes a pack, verifying every atom against
// the hash the header lists for it. maxSize bounds the decompressed size;
// zero means no limit.
func ReadPack(r io.Reader, maxSize int64) (repository.Diff, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return repository.Diff{}, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	var src io.Reader = decoder
	if maxSize > 0 {
		src = io.LimitReader(decoder, maxSize+1)
	}
	decompressed, err := io.ReadAll(src)
	if err != nil {
		return repository.Diff{}, fmt.Errorf("decompressing: %w", err)
	}
	if maxSize > 0 && int64(len(decompressed)) > maxSize {
		return repository.Diff{}, fmt.Errorf("%w: exceeds %d bytes", ErrCorrupt, maxSize)
	}
	return decode(decompressed)
}

func decode(decompressed []byte) (repository.Diff, error) {
	if len(decompressed) < HeaderLengthSize {
		return repository.Diff{}, fmt.Errorf("%w: too small: %d bytes", ErrCorrupt, len(decompressed))
	}

	headerLen := binary.BigEndian.Uint32(decompressed[:HeaderLengthSize])
	if headerLen > MaxHeaderSize {
		return repository.Diff{}, fmt.Errorf("%w: header too large: %d bytes", ErrCorrupt, headerLen)
	}
	if int(HeaderLengthSize+headerLen) > len(decompressed) {
		return repository.Diff{}, fmt.Errorf("%w: header length exceeds pack size", ErrCorrupt)
	}

	var header proto.PackHeader
	if err := json.Unmarshal(decompressed[HeaderLengthSize:HeaderLengthSize+headerLen], &header); err != nil {
		return repository.Diff{}, fmt.Errorf("%w: parsing header: %w", ErrCorrupt, err)
	}
	objectData := decompressed[HeaderLengthSize+headerLen:]

	d := repository.Diff{
		Additions: make([]*atom.Atom, 0, len(header.Objects)),
		Deletions: header.Deletions,
	}
	if d.Deletions == nil {
		d.Deletions = make(map[string]string)
	}
	for _, obj := range header.Objects {
		if obj.Offset < 0 || obj.Length < 0 || obj.Offset+obj.Length > int64(len(objectData)) {
			return repository.Diff{}, fmt.Errorf("%w: object %s extends beyond data", ErrCorrupt, obj.Hash)
		}
		var a atom.Atom
		if err := json.Unmarshal(objectData[obj.Offset:obj.Offset+obj.Length], &a); err != nil {
			return repository.Diff{}, fmt.Errorf("%w: decoding object at offset %d: %w", ErrCorrupt, obj.Offset, err)
		}
		if a.Hash != obj.Hash {
			return repository.Diff{}, fmt.Errorf("%w: hash mismatch for object at offset %d", ErrCorrupt, obj.Offset)
		}
		if err := a.Verify(); err != nil {
			return repository.Diff{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		d.Additions = append(d.Additions, &a)
	}
	return d, nil
}
