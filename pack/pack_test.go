package pack

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"

	"github.com/klauspost/compress/zstd"

	"weavelab/atom"
	"weavelab/proto"
	"weavelab/repository"
)

func sampleDiff(t *testing.T) repository.Diff {
	t.Helper()
	clock := atom.NewSiteClock("s1")
	root, err := atom.Create(clock, nil, atom.Root{})
	if err != nil {
		t.Fatal(err)
	}
	bot, err := atom.Create(clock, root, atom.Bot{ID: "b1"})
	if err != nil {
		t.Fatal(err)
	}
	return repository.Diff{
		Additions: []*atom.Atom{root, bot},
		Deletions: map[string]string{"deadbeef": "s2@7"},
	}
}

func TestBuildPack(t *testing.T) {
	packed, err := BuildPack(sampleDiff(t))
	if err != nil {
		t.Fatalf("failed to build pack: %v", err)
	}

	// zstd magic number: 0x28, 0xB5, 0x2F, 0xFD
	expectedMagic := []byte{0x28, 0xB5, 0x2F, 0xFD}
	if len(packed) < 4 || !bytes.Equal(packed[:4], expectedMagic) {
		t.Errorf("expected zstd magic %x, got %x", expectedMagic, packed[:min(4, len(packed))])
	}
}

func TestPackRoundTrip(t *testing.T) {
	d := sampleDiff(t)
	packed, err := BuildPack(d)
	if err != nil {
		t.Fatalf("failed to build pack: %v", err)
	}

	got, err := ReadPack(bytes.NewReader(packed), 0)
	if err != nil {
		t.Fatalf("failed to read pack: %v", err)
	}
	if len(got.Additions) != len(d.Additions) {
		t.Fatalf("expected %d additions, got %d", len(d.Additions), len(got.Additions))
	}
	for i, a := range got.Additions {
		if a.Hash != d.Additions[i].Hash || a.ID != d.Additions[i].ID {
			t.Errorf("addition %d: got %s, want %s", i, a, d.Additions[i])
		}
	}
	if got.Deletions["deadbeef"] != "s2@7" {
		t.Errorf("unexpected deletions: %v", got.Deletions)
	}
}

func TestEmptyPack(t *testing.T) {
	packed, err := BuildPack(repository.Diff{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadPack(bytes.NewReader(packed), 0)
	if err != nil {
		t.Fatalf("failed to read pack: %v", err)
	}
	if !got.IsEmpty() {
		t.Errorf("expected empty diff, got %+v", got)
	}
}

func TestReadPackSizeLimit(t *testing.T) {
	packed, err := BuildPack(sampleDiff(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPack(bytes.NewReader(packed), 16); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

// rawPack compresses an arbitrary header and body.
func rawPack(t *testing.T, header proto.PackHeader, body []byte) []byte {
	t.Helper()
	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatal(err)
	}
	var plain bytes.Buffer
	binary.Write(&plain, binary.BigEndian, uint32(len(headerJSON)))
	plain.Write(headerJSON)
	plain.Write(body)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()
	return enc.EncodeAll(plain.Bytes(), nil)
}

func TestReadPackRejectsCorruption(t *testing.T) {
	d := sampleDiff(t)
	content, err := json.Marshal(d.Additions[0])
	if err != nil {
		t.Fatal(err)
	}
	tampered := bytes.Replace(content, []byte(`"site":"s1"`), []byte(`"site":"s9"`), 1)

	tests := []struct {
		name   string
		header proto.PackHeader
		body   []byte
	}{
		{
			name:   "out of bounds",
			header: proto.PackHeader{Objects: []proto.PackObjectEntry{{Hash: d.Additions[0].Hash, Offset: 0, Length: int64(len(content)) + 10}}},
			body:   content,
		},
		{
			name:   "wrong hash",
			header: proto.PackHeader{Objects: []proto.PackObjectEntry{{Hash: "0000", Offset: 0, Length: int64(len(content))}}},
			body:   content,
		},
		{
			name:   "tampered atom",
			header: proto.PackHeader{Objects: []proto.PackObjectEntry{{Hash: d.Additions[0].Hash, Offset: 0, Length: int64(len(tampered))}}},
			body:   tampered,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPack(bytes.NewReader(rawPack(t, tt.header, tt.body)), 0)
			if !errors.Is(err, ErrCorrupt) {
				t.Errorf("expected ErrCorrupt, got %v", err)
			}
		})
	}
}
