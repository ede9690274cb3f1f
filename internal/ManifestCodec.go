package internal

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ManifestSchemaVersion is the cache blob schema written by MarshalManifest
const ManifestSchemaVersion = 1

// Field numbers of the cached manifest message. They are wire constants.
//
//	message CachedManifest {
//	  uint32 schema = 1;
//	  string build_id = 2;
//	  string base_url = 3;
//	  string alt_base_url = 4;
//	  uint32 encoding = 5;
//	  repeated Chunk chunks = 6;
//	}
//	message Chunk { sint32 chunk_id = 1; repeated File files = 2; }
//	message File { string path = 1; int64 size = 2; uint32 hash_algorithm = 3; bytes digest = 4; }
const (
	fieldSchema     protowire.Number = 1
	fieldBuildID    protowire.Number = 2
	fieldBaseURL    protowire.Number = 3
	fieldAltBaseURL protowire.Number = 4
	fieldEncoding   protowire.Number = 5
	fieldChunks     protowire.Number = 6

	fieldChunkID    protowire.Number = 1
	fieldChunkFiles protowire.Number = 2

	fieldFilePath      protowire.Number = 1
	fieldFileSize      protowire.Number = 2
	fieldFileAlgorithm protowire.Number = 3
	fieldFileDigest    protowire.Number = 4
)

// MarshalManifest serializes m into the zstd-compressed cache blob
func MarshalManifest(m *BuildManifest) ([]byte, error) {
	if m == nil {
		return nil, errors.New("marshal manifest: nil manifest")
	}

	var b []byte
	b = protowire.AppendTag(b, fieldSchema, protowire.VarintType)
	b = protowire.AppendVarint(b, ManifestSchemaVersion)
	b = protowire.AppendTag(b, fieldBuildID, protowire.BytesType)
	b = protowire.AppendString(b, m.buildID)
	if m.origin.BaseURL != "" {
		b = protowire.AppendTag(b, fieldBaseURL, protowire.BytesType)
		b = protowire.AppendString(b, m.origin.BaseURL)
	}
	if m.origin.AltBaseURL != "" {
		b = protowire.AppendTag(b, fieldAltBaseURL, protowire.BytesType)
		b = protowire.AppendString(b, m.origin.AltBaseURL)
	}
	if m.origin.Encoding != EncodingNone {
		b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.origin.Encoding))
	}

	for _, c := range m.chunks {
		b = protowire.AppendTag(b, fieldChunks, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalChunk(c))
	}

	return zstdEncoder.EncodeAll(b, nil), nil
}

func marshalChunk(c ChunkManifest) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldChunkID, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(c.ChunkID)))
	for _, f := range c.Files {
		var fb []byte
		fb = protowire.AppendTag(fb, fieldFilePath, protowire.BytesType)
		fb = protowire.AppendString(fb, f.RelativePath)
		fb = protowire.AppendTag(fb, fieldFileSize, protowire.VarintType)
		fb = protowire.AppendVarint(fb, uint64(f.ExpectedSize))
		fb = protowire.AppendTag(fb, fieldFileAlgorithm, protowire.VarintType)
		fb = protowire.AppendVarint(fb, uint64(f.ContentHash.Algorithm))
		fb = protowire.AppendTag(fb, fieldFileDigest, protowire.BytesType)
		fb = protowire.AppendBytes(fb, f.ContentHash.Digest)

		b = protowire.AppendTag(b, fieldChunkFiles, protowire.BytesType)
		b = protowire.AppendBytes(b, fb)
	}
	return b
}

// UnmarshalManifest decodes a cache blob written by MarshalManifest.
// Unknown fields are skipped; a newer schema is rejected.
func UnmarshalManifest(data []byte) (*BuildManifest, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, &ParseError{Source: "manifest cache", Err: fmt.Errorf("zstd: %w", err)}
	}

	var (
		schema  uint64
		buildID string
		origin  ContentOrigin
		chunks  []ChunkManifest
	)

	err = walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldSchema && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			schema = v
			return n, nil
		case num == fieldBuildID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			buildID = v
			return n, nil
		case num == fieldBaseURL && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			origin.BaseURL = v
			return n, nil
		case num == fieldAltBaseURL && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			origin.AltBaseURL = v
			return n, nil
		case num == fieldEncoding && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			origin.Encoding = PayloadEncoding(v)
			return n, nil
		case num == fieldChunks && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			c, err := unmarshalChunk(v)
			if err != nil {
				return 0, err
			}
			chunks = append(chunks, c)
			return n, nil
		}
		return unknownField, nil
	})
	if err != nil {
		return nil, &ParseError{Source: "manifest cache", Err: err}
	}

	if schema == 0 {
		return nil, &ParseError{Source: "manifest cache", Err: errors.New("missing schema version")}
	}
	if schema > ManifestSchemaVersion {
		return nil, &ParseError{Source: "manifest cache", Err: fmt.Errorf("unsupported schema version %d", schema)}
	}

	m, err := NewBuildManifest(buildID, origin, chunks)
	if err != nil {
		return nil, &ParseError{Source: "manifest cache", Err: err}
	}
	return m, nil
}

func unmarshalChunk(data []byte) (ChunkManifest, error) {
	var c ChunkManifest
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldChunkID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			id := protowire.DecodeZigZag(v)
			if id < math.MinInt32 || id > math.MaxInt32 {
				return 0, fmt.Errorf("chunk id %d out of range", id)
			}
			c.ChunkID = int32(id)
			return n, nil
		case num == fieldChunkFiles && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			f, err := unmarshalFile(v)
			if err != nil {
				return 0, err
			}
			c.Files = append(c.Files, f)
			return n, nil
		}
		return unknownField, nil
	})
	return c, err
}

func unmarshalFile(data []byte) (FileEntry, error) {
	var f FileEntry
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldFilePath && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.RelativePath = v
			return n, nil
		case num == fieldFileSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.ExpectedSize = int64(v)
			return n, nil
		case num == fieldFileAlgorithm && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.ContentHash.Algorithm = HashAlgorithm(v)
			return n, nil
		case num == fieldFileDigest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			f.ContentHash.Digest = append([]byte(nil), v...)
			return n, nil
		}
		return unknownField, nil
	})
	return f, err
}

// unknownField is returned by a walkFields visitor to skip the field
const unknownField = math.MinInt32

// walkFields iterates the fields of one message. visit returns the number of
// bytes it consumed, or unknownField to have the field skipped.
func walkFields(b []byte, visit func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		consumed, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if consumed == unknownField {
			consumed = protowire.ConsumeFieldValue(num, typ, b)
		}
		if consumed < 0 {
			return protowire.ParseError(consumed)
		}
		b = b[consumed:]
	}
	return nil
}
