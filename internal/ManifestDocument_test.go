package internal

import (
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-cmp/cmp"
)

const sampleDocument = `{
  "retcode": 0,
  "message": "OK",
  "data": {
    "build_id": "1.4.0",
    "chunk_download": {
      "url_prefix": "https://cdn.example.com/content",
      "alt_url_prefix": "https://backup.example.com/content",
      "compression": "1",
      "encoding": ""
    },
    "chunks": [
      {"chunk_id": "2", "files": [
        {"path": "Paks/base.pak", "size": "11", "hash": "md5:5eb63bbbe01eeed093cb22bb8f5acdc3"}
      ]},
      {"chunk_id": 5, "files": [
        {"path": "Paks/extra.pak", "size": 3, "hash": "ef46db3751d8e999"}
      ]}
    ]
  }
}`

// manifestView flattens a manifest for comparisons
type manifestView struct {
	BuildID string
	Origin  ContentOrigin
	Chunks  []ChunkManifest
}

func viewOf(m *BuildManifest) manifestView {
	return manifestView{BuildID: m.BuildID(), Origin: m.Origin(), Chunks: m.Chunks()}
}

func TestParseManifestDocument(t *testing.T) {
	m, err := ParseManifestDocument([]byte(sampleDocument), "1.4.0")
	if err != nil {
		t.Fatalf("ParseManifestDocument() error = %v", err)
	}

	md5Hash, _ := ParseContentHash("md5:5eb63bbbe01eeed093cb22bb8f5acdc3")
	xxhHash, _ := ParseContentHash("xxh64:ef46db3751d8e999")
	want := manifestView{
		BuildID: "1.4.0",
		Origin: ContentOrigin{
			BaseURL:    "https://cdn.example.com/content",
			AltBaseURL: "https://backup.example.com/content",
			Encoding:   EncodingZstd,
		},
		Chunks: []ChunkManifest{
			{ChunkID: 2, Files: []FileEntry{{RelativePath: "Paks/base.pak", ExpectedSize: 11, ContentHash: md5Hash}}},
			{ChunkID: 5, Files: []FileEntry{{RelativePath: "Paks/extra.pak", ExpectedSize: 3, ContentHash: xxhHash}}},
		},
	}
	if diff := cmp.Diff(want, viewOf(m)); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestParseManifestDocumentEncodings(t *testing.T) {
	m, err := ParseManifestDocument([]byte(sampleDocument), "")
	if err != nil {
		t.Fatal(err)
	}
	jsonDoc, err := EncodeManifestDocumentJSON(m)
	if err != nil {
		t.Fatal(err)
	}
	cborDoc, err := EncodeManifestDocumentCBOR(m)
	if err != nil {
		t.Fatal(err)
	}

	inputs := map[string][]byte{
		"json":      jsonDoc,
		"cbor":      cborDoc,
		"zstd json": zstdEncoder.EncodeAll(jsonDoc, nil),
		"zstd cbor": zstdEncoder.EncodeAll(cborDoc, nil),
	}
	for name, data := range inputs {
		t.Run(name, func(t *testing.T) {
			got, err := ParseManifestDocument(data, "1.4.0")
			if err != nil {
				t.Fatalf("ParseManifestDocument() error = %v", err)
			}
			if diff := cmp.Diff(viewOf(m), viewOf(got)); diff != "" {
				t.Errorf("manifest mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseManifestDocumentNotFound(t *testing.T) {
	tests := map[string]string{
		"retcode": `{"retcode": -202, "message": "build not found", "data": null}`,
		"no data": `{"retcode": 0, "message": "OK"}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifestDocument([]byte(doc), "")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("error = %v, want ErrNotFound", err)
			}
			var pe *ParseError
			if errors.As(err, &pe) {
				t.Error("not found reported as a parse error")
			}
		})
	}
}

func TestParseManifestDocumentErrors(t *testing.T) {
	cborNotFound, err := cbor.Marshal(ManifestDocument{ManifestReturnedResponse: ManifestReturnedResponse{ReturnCode: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseManifestDocument(cborNotFound, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("cbor not found error = %v, want ErrNotFound", err)
	}

	tests := map[string]struct {
		doc     string
		buildID string
	}{
		"mismatch":     {sampleDocument, "1.5.0"},
		"bad json":     {`{"retcode": 0, "data": {`, ""},
		"empty":        {"  ", ""},
		"bad hash":     {`{"data": {"build_id": "b", "chunks": [{"chunk_id": 1, "files": [{"path": "a", "size": 1, "hash": "nope"}]}]}}`, ""},
		"bad encoding": {`{"data": {"build_id": "b", "chunk_download": {"encoding": "brotli"}}}`, ""},
		"bad chunk id": {`{"data": {"build_id": "b", "chunks": [{"chunk_id": "4294967296", "files": []}]}}`, ""},
		"invalid":      {`{"data": {"build_id": "b", "chunks": [{"chunk_id": 1, "files": []}]}}`, ""},
		"not cbor":     {"\xff\x00garbage", ""},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifestDocument([]byte(tt.doc), tt.buildID)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Errorf("error = %v, want *ParseError", err)
			}
		})
	}
}

func TestParseManifestDocumentCBORStringNumbers(t *testing.T) {
	content := []byte("hello world")
	file := xxhFile("Paks/a.pak", content)
	other := []byte("second file")
	otherFile := xxhFile("Paks/b.pak", other)
	doc := map[string]any{
		"retcode": 0,
		"message": "OK",
		"data": map[string]any{
			"build_id": "2.0.0",
			"chunk_download": map[string]any{
				"url_prefix":  "https://cdn.example.com/content",
				"compression": "0",
			},
			"chunks": []any{
				map[string]any{
					"chunk_id": "7",
					"files": []any{
						map[string]any{"path": "Paks/a.pak", "size": "11", "hash": file.ContentHash.String()},
					},
				},
				map[string]any{
					"chunk_id": -2,
					"files": []any{
						map[string]any{"path": "Paks/b.pak", "size": len(other), "hash": otherFile.ContentHash.String()},
					},
				},
			},
		},
	}
	data, err := cbor.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}

	m, err := ParseManifestDocument(data, "2.0.0")
	if err != nil {
		t.Fatalf("ParseManifestDocument() error = %v", err)
	}
	chunk, ok := m.Chunk(7)
	if !ok || len(chunk.Files) != 1 || chunk.Files[0].ExpectedSize != 11 {
		t.Fatalf("chunk 7 = %+v, %v", chunk, ok)
	}
	if c, ok := m.Chunk(-2); !ok || c.Files[0].ExpectedSize != int64(len(other)) {
		t.Errorf("chunk -2 = %+v, %v", c, ok)
	}
	if m.Origin().Encoding != EncodingNone {
		t.Errorf("encoding = %v, want none", m.Origin().Encoding)
	}

	bad, err := cbor.Marshal(map[string]any{"data": map[string]any{"build_id": "2.0.0", "chunks": []any{map[string]any{"chunk_id": "seven"}}}})
	if err != nil {
		t.Fatal(err)
	}
	var pe *ParseError
	if _, err := ParseManifestDocument(bad, "2.0.0"); !errors.As(err, &pe) {
		t.Errorf("non-numeric chunk id error = %v, want *ParseError", err)
	}
}

func TestManifestToDocument(t *testing.T) {
	m := mustManifest(t, "b1", ContentOrigin{BaseURL: "https://cdn", Encoding: EncodingLZ4},
		ChunkManifest{ChunkID: 4, Files: []FileEntry{xxhFile("a.pak", []byte("abc"))}})

	doc := ManifestToDocument(m)
	if doc.ReturnCode != 0 || doc.Data == nil {
		t.Fatalf("document = %+v", doc)
	}
	info := doc.Data.ChunkDownload
	if info.Encoding != "lz4" || !bool(info.IsCompressed) || info.UrlPrefix != "https://cdn" {
		t.Errorf("chunk_download = %+v", info)
	}
	want := []ManifestDocumentChunk{{ChunkID: 4, Files: []ManifestDocumentFile{{
		Path: "a.pak", Size: 3, Hash: m.Chunks()[0].Files[0].ContentHash.String(),
	}}}}
	if diff := cmp.Diff(want, doc.Data.Chunks); diff != "" {
		t.Errorf("chunks mismatch (-want +got):\n%s", diff)
	}
}
