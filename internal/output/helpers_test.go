package output_test

import (
	"encoding/csv"
	"io"
)

func csvRows(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	return reader.ReadAll()
}
