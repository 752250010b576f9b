package sources

import (
	"encoding/csv"
	"os"
)

// InputTableT is one table mapped into in/tables of the data folder.
type InputTableT struct {
	Name     string
	FullPath string
	// Columns come from the table manifest. Empty when the manifest is missing or lists none.
	Columns []string
}

type tableManifestT struct {
	Columns []string `json:"columns"`
}

// TableReaderT streams the records of an opened input table. The first record Reader yields is
// always the CSV header row.
type TableReaderT struct {
	Header []string
	Reader *csv.Reader
	file   *os.File
}
