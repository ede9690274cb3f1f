package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// zstdMagic prefixes every zstd frame
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ManifestDocument is the envelope returned by the manifest server.
// JSON and CBOR encodings share the same field names.
type ManifestDocument struct {
	Data *ManifestDocumentData `json:"data"`
	ManifestReturnedResponse
}

// ManifestReturnedResponse base structure
type ManifestReturnedResponse struct {
	ReturnCode    int    `json:"retcode"`
	ReturnMessage string `json:"message"`
}

// ManifestDocumentData carries the build and its chunks
type ManifestDocumentData struct {
	BuildID       string                  `json:"build_id"`
	ChunkDownload ManifestUrlInfo         `json:"chunk_download"`
	Chunks        []ManifestDocumentChunk `json:"chunks"`
}

// ManifestUrlInfo structure
type ManifestUrlInfo struct {
	UrlPrefix    string `json:"url_prefix"`
	AltUrlPrefix string `json:"alt_url_prefix,omitempty"`
	// IsCompressed is the legacy flag; true means zstd when Encoding is empty
	IsCompressed BoolConverter `json:"compression"`
	Encoding     string        `json:"encoding,omitempty"`
}

// ManifestDocumentChunk structure
type ManifestDocumentChunk struct {
	ChunkID Int64Converter         `json:"chunk_id"`
	Files   []ManifestDocumentFile `json:"files"`
}

// ManifestDocumentFile structure
type ManifestDocumentFile struct {
	Path string         `json:"path"`
	Size Int64Converter `json:"size"`
	Hash string         `json:"hash"`
}

var (
	zstdDecoder *zstd.Decoder
	zstdEncoder *zstd.Encoder
)

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("patcher: zstd decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("patcher: zstd encoder initialization failed: " + err.Error())
	}
}

// DecodeManifestDocument decodes a manifest document. A zstd frame is unwrapped
// first; the payload is JSON when it starts with '{' and CBOR otherwise.
func DecodeManifestDocument(data []byte) (*ManifestDocument, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		plain, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, &ParseError{Source: "manifest document", Err: fmt.Errorf("zstd: %w", err)}
		}
		data = plain
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &ParseError{Source: "manifest document", Err: errors.New("empty document")}
	}

	var doc ManifestDocument
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, &ParseError{Source: "manifest document", Err: fmt.Errorf("json: %w", err)}
		}
	} else {
		if err := cbor.Unmarshal(data, &doc); err != nil {
			return nil, &ParseError{Source: "manifest document", Err: fmt.Errorf("cbor: %w", err)}
		}
	}
	return &doc, nil
}

// ParseManifestDocument decodes data into a BuildManifest. A document without
// data or with a non-zero return code yields ErrNotFound. When expectedBuildID is
// set the document must describe that build.
func ParseManifestDocument(data []byte, expectedBuildID string) (*BuildManifest, error) {
	doc, err := DecodeManifestDocument(data)
	if err != nil {
		return nil, err
	}

	if doc.ReturnCode != 0 || doc.Data == nil {
		return nil, fmt.Errorf("%w: retcode %d: %s", ErrNotFound, doc.ReturnCode, doc.ReturnMessage)
	}

	d := doc.Data
	if expectedBuildID != "" && d.BuildID != expectedBuildID {
		return nil, &ParseError{
			Source: "manifest document",
			Err:    fmt.Errorf("build id mismatch: requested %s, got %s", expectedBuildID, d.BuildID),
		}
	}

	encoding, err := ParsePayloadEncoding(d.ChunkDownload.Encoding)
	if err != nil {
		return nil, &ParseError{Source: "manifest document", Err: err}
	}
	if d.ChunkDownload.Encoding == "" && bool(d.ChunkDownload.IsCompressed) {
		encoding = EncodingZstd
	}

	chunks := make([]ChunkManifest, 0, len(d.Chunks))
	for _, c := range d.Chunks {
		if c.ChunkID < math.MinInt32 || c.ChunkID > math.MaxInt32 {
			return nil, &ParseError{Source: "manifest document", Err: fmt.Errorf("chunk id %d out of range", c.ChunkID)}
		}
		files := make([]FileEntry, 0, len(c.Files))
		for _, f := range c.Files {
			h, err := ParseContentHash(f.Hash)
			if err != nil {
				return nil, &ParseError{Source: "manifest document", Err: fmt.Errorf("file %s: %w", f.Path, err)}
			}
			files = append(files, FileEntry{RelativePath: f.Path, ExpectedSize: int64(f.Size), ContentHash: h})
		}
		chunks = append(chunks, ChunkManifest{ChunkID: int32(c.ChunkID), Files: files})
	}

	origin := ContentOrigin{
		BaseURL:    d.ChunkDownload.UrlPrefix,
		AltBaseURL: d.ChunkDownload.AltUrlPrefix,
		Encoding:   encoding,
	}
	m, err := NewBuildManifest(d.BuildID, origin, chunks)
	if err != nil {
		return nil, &ParseError{Source: "manifest document", Err: err}
	}
	return m, nil
}

// ManifestToDocument converts a manifest back into its server document form
func ManifestToDocument(m *BuildManifest) *ManifestDocument {
	origin := m.Origin()
	data := &ManifestDocumentData{
		BuildID: m.BuildID(),
		ChunkDownload: ManifestUrlInfo{
			UrlPrefix:    origin.BaseURL,
			AltUrlPrefix: origin.AltBaseURL,
			IsCompressed: BoolConverter(origin.Encoding != EncodingNone),
			Encoding:     origin.Encoding.String(),
		},
	}
	for _, c := range m.Chunks() {
		dc := ManifestDocumentChunk{ChunkID: Int64Converter(c.ChunkID)}
		for _, f := range c.Files {
			dc.Files = append(dc.Files, ManifestDocumentFile{
				Path: f.RelativePath,
				Size: Int64Converter(f.ExpectedSize),
				Hash: f.ContentHash.String(),
			})
		}
		data.Chunks = append(data.Chunks, dc)
	}
	return &ManifestDocument{Data: data, ManifestReturnedResponse: ManifestReturnedResponse{ReturnMessage: "OK"}}
}

// EncodeManifestDocumentJSON renders a manifest as an indented JSON document
func EncodeManifestDocumentJSON(m *BuildManifest) ([]byte, error) {
	return json.MarshalIndent(ManifestToDocument(m), "", "  ")
}

// EncodeManifestDocumentCBOR renders a manifest as a CBOR document
func EncodeManifestDocumentCBOR(m *BuildManifest) ([]byte, error) {
	return cbor.Marshal(ManifestToDocument(m))
}
