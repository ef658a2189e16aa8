// Package labels holds the label model returned by the analysis service and
// the ordering, filtering and rendering applied to it on the client.
package labels

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Label is a single name/confidence pair. Confidence is on a 0-100 scale.
type Label struct {
	Name       string   `json:"name"`
	Confidence float64  `json:"confidence"`
	Parents    []string `json:"parents,omitempty"`
}

// UnmarshalJSON normalizes the two spellings the service has been seen to use
// (Name/name, Confidence/confidence, Parents/parents). When both are present
// the capitalized one wins unless it is empty.
func (l *Label) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode label: %w", err)
	}

	var out Label
	if err := decodeEither(fields, "Name", "name", &out.Name, func(s string) bool { return s != "" }); err != nil {
		return err
	}
	if err := decodeEither(fields, "Confidence", "confidence", &out.Confidence, func(f float64) bool { return f != 0 }); err != nil {
		return err
	}

	var parents []parentRef
	if err := decodeEither(fields, "Parents", "parents", &parents, func(p []parentRef) bool { return len(p) > 0 }); err != nil {
		return err
	}
	for _, p := range parents {
		if p.name != "" {
			out.Parents = append(out.Parents, p.name)
		}
	}

	*l = out
	return nil
}

func decodeEither[T any](fields map[string]json.RawMessage, upper, lower string, dst *T, set func(T) bool) error {
	for _, key := range []string{upper, lower} {
		raw, ok := fields[key]
		if !ok || string(raw) == "null" {
			continue
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode label field %q: %w", key, err)
		}
		if set(v) {
			*dst = v
			return nil
		}
	}
	return nil
}

// parentRef accepts a parent either as a bare string or as an object with a
// Name/name field.
type parentRef struct {
	name string
}

func (p *parentRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		p.name = s
		return nil
	}
	var obj Label
	if err := obj.UnmarshalJSON(data); err != nil {
		return err
	}
	p.name = obj.Name
	return nil
}

// ResultSet is an ordered sequence of labels. The order is fixed when the set
// is built; Filter only hides entries.
type ResultSet struct {
	labels []Label
}

// NewResultSet copies labels and sorts them once by descending confidence.
// Labels with equal confidence keep their arrival order.
func NewResultSet(in []Label) ResultSet {
	sorted := make([]Label, len(in))
	copy(sorted, in)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})
	return ResultSet{labels: sorted}
}

// Len returns the number of labels in the set.
func (r ResultSet) Len() int { return len(r.labels) }

// Labels returns a copy of the ordered labels.
func (r ResultSet) Labels() []Label {
	out := make([]Label, len(r.labels))
	copy(out, r.labels)
	return out
}

// Filter returns the labels whose confidence is at least threshold, in set
// order.
func (r ResultSet) Filter(threshold float64) []Label {
	out := make([]Label, 0, len(r.labels))
	for _, l := range r.labels {
		if l.Confidence >= threshold {
			out = append(out, l)
		}
	}
	return out
}
