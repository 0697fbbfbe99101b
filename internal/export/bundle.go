package export

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/surmed/internal/audit"
	"github.com/davidahmann/surmed/internal/crypto"
	"github.com/davidahmann/surmed/internal/ledger"
)

const ManifestSchema = "surmed.export.v1"

type ManifestFile struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
	Size   int    `json:"size"`
}

type Manifest struct {
	Schema       string         `json:"schema"`
	GeneratedAt  string         `json:"generated_at"`
	Filter       Filter         `json:"filter"`
	Rows         int            `json:"rows"`
	ChainEntries int            `json:"chain_entries"`
	TailHash     string         `json:"tail_hash"`
	Files        []ManifestFile `json:"files"`
}

// BuildFiles renders every bundle member. manifest.json and sha256sums.txt
// cover all other members.
func BuildFiles(in Input) (map[string][]byte, error) {
	p, err := prepare(in)
	if err != nil {
		return nil, err
	}
	return buildFiles(p)
}

func buildFiles(p prepared) (map[string][]byte, error) {
	files := map[string][]byte{}

	csvBytes, err := renderCSV(p)
	if err != nil {
		return nil, err
	}
	files["decisions.csv"] = csvBytes

	pdfBytes, err := renderPDF(p)
	if err != nil {
		return nil, err
	}
	files["report.pdf"] = pdfBytes

	if files["verification.json"], err = marshal(p.chain); err != nil {
		return nil, err
	}
	if files["summary.json"], err = marshal(audit.Summarize(p.rows, p.chain)); err != nil {
		return nil, err
	}

	if p.Signer != nil {
		cp, err := ledger.MakeCheckpoint(p.tail(), p.GeneratedAt.Format(time.RFC3339), p.Signer)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %w", err)
		}
		if files["checkpoint.json"], err = marshal(cp); err != nil {
			return nil, err
		}
	}

	manifest := Manifest{
		Schema:       ManifestSchema,
		GeneratedAt:  p.GeneratedAt.Format(time.RFC3339),
		Filter:       p.Filter,
		Rows:         len(p.rows),
		ChainEntries: len(p.Entries),
		TailHash:     p.tail().Hash,
	}
	for _, name := range sortedNames(files) {
		manifest.Files = append(manifest.Files, ManifestFile{
			Name:   name,
			Digest: crypto.DigestWithPrefix(files[name]),
			Size:   len(files[name]),
		})
	}
	if files["manifest.json"], err = marshal(manifest); err != nil {
		return nil, err
	}
	files["sha256sums.txt"] = sha256Sums(files)
	return files, nil
}

// BuildZip renders the bundle as a zip archive.
func BuildZip(in Input) (out []byte, err error) {
	defer func() { record(FormatZip, err) }()
	p, err := prepare(in)
	if err != nil {
		return nil, err
	}
	files, err := buildFiles(p)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeZip(&buf, files, p.GeneratedAt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteZip stores files in name order with a fixed modification time.
func WriteZip(w io.Writer, files map[string][]byte) error {
	return writeZip(w, files, time.Time{})
}

func writeZip(w io.Writer, files map[string][]byte, modified time.Time) error {
	zw := zip.NewWriter(w)
	for _, name := range sortedNames(files) {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		if !modified.IsZero() {
			hdr.Modified = modified
		}
		f, err := zw.CreateHeader(hdr)
		if err != nil {
			_ = zw.Close()
			return err
		}
		if _, err := f.Write(files[name]); err != nil {
			_ = zw.Close()
			return err
		}
	}
	return zw.Close()
}

func sha256Sums(files map[string][]byte) []byte {
	var b strings.Builder
	for _, name := range sortedNames(files) {
		if name == "sha256sums.txt" {
			continue
		}
		fmt.Fprintf(&b, "%s  %s\n", crypto.DigestHex(files[name]), name)
	}
	return []byte(b.String())
}

func sortedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func marshal(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
