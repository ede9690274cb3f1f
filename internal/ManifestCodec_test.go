package internal

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"
)

func sampleManifest(t *testing.T) *BuildManifest {
	t.Helper()
	return mustManifest(t, "2.0.1",
		ContentOrigin{BaseURL: "https://cdn/base", AltBaseURL: "https://alt/base", Encoding: EncodingZstd},
		ChunkManifest{ChunkID: -3, Files: []FileEntry{md5File("neg.pak", []byte("negative"))}},
		ChunkManifest{ChunkID: 0, Files: []FileEntry{
			xxhFile("Paks/zero.pak", []byte("zero")),
			xxhFile("Paks/empty.pak", nil),
		}},
		ChunkManifest{ChunkID: 1 << 30, Files: []FileEntry{{
			RelativePath: "big.bin",
			ExpectedSize: 5 << 30,
			ContentHash:  ContentHash{Algorithm: HashBLAKE3, Digest: make([]byte, 32)},
		}}},
	)
}

func TestManifestCodecRoundTrip(t *testing.T) {
	m := sampleManifest(t)
	blob, err := MarshalManifest(m)
	if err != nil {
		t.Fatalf("MarshalManifest() error = %v", err)
	}
	got, err := UnmarshalManifest(blob)
	if err != nil {
		t.Fatalf("UnmarshalManifest() error = %v", err)
	}
	if diff := cmp.Diff(viewOf(m), viewOf(got)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if changes := DiffManifests(m, got); len(changes) != 0 {
		t.Errorf("round trip produced changes: %v", changes)
	}
}

// cacheBlob assembles a raw cache message from already encoded fields
func cacheBlob(fields ...[]byte) []byte {
	var b []byte
	for _, f := range fields {
		b = append(b, f...)
	}
	return zstdEncoder.EncodeAll(b, nil)
}

func varintField(num protowire.Number, v uint64) []byte {
	b := protowire.AppendTag(nil, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func stringField(num protowire.Number, s string) []byte {
	b := protowire.AppendTag(nil, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func TestUnmarshalManifestSchema(t *testing.T) {
	chunk := protowire.AppendTag(nil, fieldChunks, protowire.BytesType)
	chunk = protowire.AppendBytes(chunk, marshalChunk(ChunkManifest{
		ChunkID: 8,
		Files:   []FileEntry{xxhFile("a.pak", []byte("a"))},
	}))

	tests := []struct {
		name    string
		blob    []byte
		wantErr bool
	}{
		{"current", cacheBlob(varintField(fieldSchema, 1), stringField(fieldBuildID, "b"), chunk), false},
		{"unknown fields skipped", cacheBlob(
			varintField(fieldSchema, 1),
			stringField(99, "future"),
			varintField(100, 7),
			stringField(fieldBuildID, "b"),
			chunk,
		), false},
		{"newer schema", cacheBlob(varintField(fieldSchema, ManifestSchemaVersion+1), stringField(fieldBuildID, "b"), chunk), true},
		{"missing schema", cacheBlob(stringField(fieldBuildID, "b"), chunk), true},
		{"missing build id", cacheBlob(varintField(fieldSchema, 1), chunk), true},
		{"truncated", cacheBlob(varintField(fieldSchema, 1), []byte{0x12, 0x05, 'a'}), true},
		{"not zstd", []byte("plain bytes"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := UnmarshalManifest(tt.blob)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("UnmarshalManifest() error = %v", err)
				}
				if _, ok := m.Chunk(8); !ok || m.BuildID() != "b" {
					t.Errorf("manifest = %+v", viewOf(m))
				}
				return
			}
			var pe *ParseError
			if !errors.As(err, &pe) || pe.Source != "manifest cache" {
				t.Errorf("error = %v, want manifest cache *ParseError", err)
			}
		})
	}
}

func TestMarshalManifestNil(t *testing.T) {
	if _, err := MarshalManifest(nil); err == nil {
		t.Error("MarshalManifest(nil) succeeded")
	}
}
