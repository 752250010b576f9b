package sources

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"kassette.ai/sailthru-writer/misc"
	"kassette.ai/sailthru-writer/utils/logger"
)

const manifestSuffix = ".manifest"

var jsonfast = jsoniter.ConfigCompatibleWithStandardLibrary

// GetInputTables lists the tables in <dataDir>/in/tables sorted by file name.
// A missing directory yields no tables.
func GetInputTables(dataDir string) ([]InputTableT, error) {
	dir := filepath.Join(dataDir, "in", "tables")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list input tables: %w", err)
	}

	var tables []InputTableT
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, manifestSuffix) {
			continue
		}
		table := InputTableT{Name: name, FullPath: filepath.Join(dir, name)}
		columns, err := readManifestColumns(table.FullPath + manifestSuffix)
		if err != nil {
			return nil, err
		}
		table.Columns = columns
		tables = append(tables, table)
	}
	return tables, nil
}

func readManifestColumns(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var manifest tableManifestT
	if err := jsonfast.Unmarshal(data, &manifest); err != nil {
		return nil, misc.WrapUserError(err, fmt.Sprintf("invalid table manifest %s", filepath.Base(path)))
	}
	return manifest.Columns, nil
}

// OpenTable opens an input table decoded from the given charset. A leading byte order mark
// always wins over the configured charset. The header is taken from the manifest columns when
// present, otherwise from the first CSV record.
func OpenTable(table InputTableT, encoding string) (*TableReaderT, error) {
	enc, err := htmlindex.Get(encoding)
	if err != nil {
		return nil, misc.NewUserError("unsupported input_encoding %q", encoding)
	}

	f, err := os.Open(table.FullPath)
	if err != nil {
		return nil, fmt.Errorf("open input table %s: %w", table.Name, err)
	}
	newReader := func() *csv.Reader {
		cr := csv.NewReader(transform.NewReader(f, unicode.BOMOverride(enc.NewDecoder())))
		cr.FieldsPerRecord = -1
		return cr
	}

	header := table.Columns
	if len(header) == 0 {
		hdr, err := newReader().Read()
		if err != nil && err != io.EOF {
			f.Close()
			return nil, misc.WrapUserError(err, fmt.Sprintf("failed to read header of %s", table.Name))
		}
		header = append([]string(nil), hdr...)
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("rewind input table %s: %w", table.Name, err)
		}
	}
	logger.Debug(fmt.Sprintf("Input table %s opened with columns %v", table.Name, header))

	return &TableReaderT{Header: header, Reader: newReader(), file: f}, nil
}

func (t *TableReaderT) Close() error {
	return t.file.Close()
}
