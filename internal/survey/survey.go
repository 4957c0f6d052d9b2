// Package survey provides the raw input for a run: NPS survey responses
// and the scalars the confidence grade is derived from.
package survey

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxScore is the top of the 0-10 NPS scale.
const MaxScore = 10

// Response is one survey record.
type Response struct {
	ID          string `json:"id" yaml:"id"`
	Score       int    `json:"score" yaml:"score"`
	Comment     string `json:"comment,omitempty" yaml:"comment,omitempty"`
	ProductLine string `json:"product_line,omitempty" yaml:"product_line,omitempty"`
	Segment     string `json:"segment,omitempty" yaml:"segment,omitempty"`
	Channel     string `json:"channel,omitempty" yaml:"channel,omitempty"`
	Region      string `json:"region,omitempty" yaml:"region,omitempty"`
}

// Valid reports whether the record can be scored.
func (r Response) Valid() bool {
	return strings.TrimSpace(r.ID) != "" && r.Score >= 0 && r.Score <= MaxScore
}

// Dataset is a named batch of responses.
type Dataset struct {
	Name      string     `json:"name,omitempty" yaml:"name,omitempty"`
	Responses []Response `json:"responses" yaml:"responses"`
}

// SampleSize is the number of records received.
func (d Dataset) SampleSize() int {
	return len(d.Responses)
}

// ValidCount is the number of scorable records.
func (d Dataset) ValidCount() int {
	n := 0
	for _, r := range d.Responses {
		if r.Valid() {
			n++
		}
	}
	return n
}

// EffectiveRate is the share of records that are scorable, in [0,1].
func (d Dataset) EffectiveRate() float64 {
	if len(d.Responses) == 0 {
		return 0
	}
	return float64(d.ValidCount()) / float64(len(d.Responses))
}

// ErrEmpty is returned when an input holds no responses.
var ErrEmpty = errors.New("survey contains no responses")

// LoadFile reads a dataset, choosing the decoder by file extension.
func LoadFile(path string) (Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, fmt.Errorf("read survey %s: %w", path, err)
	}

	var ds Dataset
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		ds, err = DecodeJSON(bytes.NewReader(data))
	case ".yaml", ".yml":
		ds, err = DecodeYAML(data)
	case ".csv":
		ds, err = DecodeCSV(bytes.NewReader(data))
	default:
		return Dataset{}, fmt.Errorf("unsupported survey format %q", filepath.Ext(path))
	}
	if err != nil {
		return Dataset{}, fmt.Errorf("decode survey %s: %w", path, err)
	}
	if ds.Name == "" {
		ds.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return ds, nil
}

// DecodeJSON reads a dataset object.
func DecodeJSON(r io.Reader) (Dataset, error) {
	var ds Dataset
	if err := json.NewDecoder(r).Decode(&ds); err != nil {
		return Dataset{}, err
	}
	if len(ds.Responses) == 0 {
		return Dataset{}, ErrEmpty
	}
	return ds, nil
}

// DecodeYAML reads a dataset document.
func DecodeYAML(data []byte) (Dataset, error) {
	var ds Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return Dataset{}, err
	}
	if len(ds.Responses) == 0 {
		return Dataset{}, ErrEmpty
	}
	return ds, nil
}

// DecodeCSV reads rows with a header naming the Response fields. Unparseable
// scores are kept as -1 so they count against the effective rate.
func DecodeCSV(r io.Reader) (Dataset, error) {
	rows, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return Dataset{}, err
	}
	if len(rows) < 2 {
		return Dataset{}, ErrEmpty
	}

	col := map[string]int{}
	for i, h := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := col["score"]; !ok {
		return Dataset{}, errors.New("csv header must include a score column")
	}

	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var ds Dataset
	for n, row := range rows[1:] {
		score, err := strconv.Atoi(get(row, "score"))
		if err != nil {
			score = -1
		}
		id := get(row, "id")
		if id == "" {
			id = "row-" + strconv.Itoa(n+1)
		}
		ds.Responses = append(ds.Responses, Response{
			ID:          id,
			Score:       score,
			Comment:     get(row, "comment"),
			ProductLine: get(row, "product_line"),
			Segment:     get(row, "segment"),
			Channel:     get(row, "channel"),
			Region:      get(row, "region"),
		})
	}
	return ds, nil
}
