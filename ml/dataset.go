package ml

import (
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"lukechampine.com/blake3"
)

const DefaultOutcomeColumn = "Outcome"

// Dataset is a tabular training set: every non-outcome column is a feature,
// kept in file order.
type Dataset struct {
	FeatureNames []string
	Features     [][]float64
	Labels       []int
	Fingerprint  string
}

type DatasetOptions struct {
	OutcomeColumn string
	Encoding      string
}

func (d *Dataset) Len() int {
	return len(d.Labels)
}

func (d *Dataset) NumFeatures() int {
	return len(d.FeatureNames)
}

// Positives counts rows labelled 1.
func (d *Dataset) Positives() int {
	n := 0
	for _, label := range d.Labels {
		if label == 1 {
			n++
		}
	}
	return n
}

func LoadDataset(path string, opts DatasetOptions) (*Dataset, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no dataset path configured", ErrDatasetUnavailable)
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatasetUnavailable, err)
	}
	ds, err := ReadDataset(bytes.NewReader(payload), opts)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(payload)
	ds.Fingerprint = hex.EncodeToString(sum[:])
	return ds, nil
}

func ReadDataset(r io.Reader, opts DatasetOptions) (*Dataset, error) {
	outcome := opts.OutcomeColumn
	if outcome == "" {
		outcome = DefaultOutcomeColumn
	}
	decoder, err := textDecoder(opts.Encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatasetUnavailable, err)
	}

	reader := csv.NewReader(transform.NewReader(r, decoder))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: missing header row", ErrDatasetUnavailable)
		}
		return nil, fmt.Errorf("%w: read header: %v", ErrDatasetUnavailable, err)
	}

	outcomeIdx := findColumn(header, outcome)
	if outcomeIdx < 0 {
		return nil, fmt.Errorf("%w: outcome column %q not found", ErrDatasetUnavailable, outcome)
	}

	ds := &Dataset{}
	for i, name := range header {
		if i != outcomeIdx {
			ds.FeatureNames = append(ds.FeatureNames, strings.TrimSpace(name))
		}
	}
	if len(ds.FeatureNames) == 0 {
		return nil, fmt.Errorf("%w: no feature columns", ErrDatasetUnavailable)
	}

	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrDatasetUnavailable, line, err)
		}
		row, label, err := parseRecord(record, outcomeIdx)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrDatasetUnavailable, line, err)
		}
		ds.Features = append(ds.Features, row)
		ds.Labels = append(ds.Labels, label)
	}
	return ds, nil
}

func parseRecord(record []string, outcomeIdx int) ([]float64, int, error) {
	row := make([]float64, 0, len(record)-1)
	label := 0
	for i, field := range record {
		value, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, 0, fmt.Errorf("column %d: %q is not numeric", i+1, field)
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, 0, fmt.Errorf("column %d: non-finite value", i+1)
		}
		if i != outcomeIdx {
			row = append(row, value)
			continue
		}
		switch value {
		case 0:
			label = 0
		case 1:
			label = 1
		default:
			return nil, 0, fmt.Errorf("outcome must be 0 or 1, got %v", value)
		}
	}
	return row, label, nil
}

func findColumn(header []string, name string) int {
	for i, column := range header {
		if strings.TrimSpace(column) == name {
			return i
		}
	}
	for i, column := range header {
		if strings.EqualFold(strings.TrimSpace(column), name) {
			return i
		}
	}
	return -1
}

func textDecoder(name string) (transform.Transformer, error) {
	var enc encoding.Encoding
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return unicode.BOMOverride(unicode.UTF8.NewDecoder()), nil
	case "windows-1252", "cp1252":
		enc = charmap.Windows1252
	case "latin1", "iso-8859-1":
		enc = charmap.ISO8859_1
	case "gbk":
		enc = simplifiedchinese.GBK
	default:
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	return enc.NewDecoder(), nil
}

// SupportedEncoding reports whether LoadDataset can decode the named charset.
func SupportedEncoding(name string) bool {
	_, err := textDecoder(name)
	return err == nil
}
