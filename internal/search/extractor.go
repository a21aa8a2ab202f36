package search

import (
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"go.uber.org/zap"
)

// Extractor evaluates extraction rules over a resource payload and produces
// typed index rows. Expressions are dotted paths relative to the resource
// root; an optional leading segment naming the resource type is skipped.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor creates a new extractor.
func NewExtractor(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract produces the deduplicated index rows for rec under params. Non-JSON
// payloads yield no rows.
func (e *Extractor) Extract(rec *model.Record, params []ParamInfo) ([]model.IndexRow, error) {
	if len(params) == 0 || len(rec.RawBytes) == 0 {
		return nil, nil
	}
	var root map[string]interface{}
	if err := json.Unmarshal(rec.RawBytes, &root); err != nil {
		// Opaque payload formats carry no extractable values.
		return nil, nil
	}

	var rows []model.IndexRow
	for _, p := range params {
		extracted, err := e.extractParam(rec.Type, root, p)
		if err != nil {
			return nil, err
		}
		rows = append(rows, extracted...)
	}
	return model.DedupeIndexRows(rows), nil
}

func (e *Extractor) extractParam(resourceType string, root map[string]interface{}, p ParamInfo) ([]model.IndexRow, error) {
	if p.Expression == "" && len(p.Components) == 0 {
		return nil, fhirerrors.RequestNotValid("search parameter has no expression: " + p.URL)
	}

	if p.Family == model.FamilyComposite {
		return e.extractComposite(resourceType, root, p)
	}

	values := resolvePath(resourceType, root, p.Expression)
	var rows []model.IndexRow
	for _, v := range values {
		rows = append(rows, valuesToRows(p.URL, p.Family, v)...)
	}
	return rows, nil
}

func (e *Extractor) extractComposite(resourceType string, root map[string]interface{}, p ParamInfo) ([]model.IndexRow, error) {
	row := model.IndexRow{ParamID: p.URL, Family: model.FamilyComposite}
	for _, c := range p.Components {
		values := resolvePath(resourceType, root, c.Expression)
		if len(values) == 0 {
			// A composite entry needs every component.
			return nil, nil
		}
		members := valuesToRows(p.URL, c.Family, values[0])
		if len(members) == 0 {
			return nil, nil
		}
		row.Components = append(row.Components, members[0])
	}
	return []model.IndexRow{row}, nil
}

// resolvePath walks a dotted path, flattening arrays at every step.
func resolvePath(resourceType string, root map[string]interface{}, expr string) []interface{} {
	segments := strings.Split(expr, ".")
	if len(segments) > 0 && segments[0] == resourceType {
		segments = segments[1:]
	}
	current := []interface{}{root}
	for _, seg := range segments {
		var next []interface{}
		for _, v := range current {
			m, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			child, ok := m[seg]
			if !ok {
				continue
			}
			if arr, ok := child.([]interface{}); ok {
				next = append(next, arr...)
			} else {
				next = append(next, child)
			}
		}
		current = next
	}
	return current
}

func valuesToRows(paramID string, family model.IndexFamily, v interface{}) []model.IndexRow {
	switch family {
	case model.FamilyToken:
		return tokenRows(paramID, v)
	case model.FamilyString:
		return stringRows(paramID, v)
	case model.FamilyReference:
		return referenceRows(paramID, v)
	case model.FamilyQuantity:
		return quantityRows(paramID, v)
	case model.FamilyDate:
		return dateRows(paramID, v)
	case model.FamilyNumber:
		return numberRows(paramID, v)
	case model.FamilyURI:
		return uriRows(paramID, v)
	}
	return nil
}

func tokenRows(paramID string, v interface{}) []model.IndexRow {
	switch t := v.(type) {
	case string:
		return []model.IndexRow{{ParamID: paramID, Family: model.FamilyToken, Code: t}}
	case bool:
		return []model.IndexRow{{ParamID: paramID, Family: model.FamilyToken, Code: strconv.FormatBool(t)}}
	case map[string]interface{}:
		// CodeableConcept
		if coding, ok := t["coding"].([]interface{}); ok {
			var rows []model.IndexRow
			for _, c := range coding {
				rows = append(rows, tokenRows(paramID, c)...)
			}
			return rows
		}
		// Coding
		if code, ok := t["code"].(string); ok {
			system, _ := t["system"].(string)
			return []model.IndexRow{{ParamID: paramID, Family: model.FamilyToken, System: system, Code: code}}
		}
		// Identifier
		if value, ok := t["value"].(string); ok {
			system, _ := t["system"].(string)
			return []model.IndexRow{{ParamID: paramID, Family: model.FamilyToken, System: system, Code: value}}
		}
	}
	return nil
}

func stringRows(paramID string, v interface{}) []model.IndexRow {
	switch t := v.(type) {
	case string:
		return []model.IndexRow{{ParamID: paramID, Family: model.FamilyString, Value: t}}
	case map[string]interface{}:
		// HumanName and friends index their text plus string members.
		var rows []model.IndexRow
		for _, key := range []string{"text", "family"} {
			if s, ok := t[key].(string); ok {
				rows = append(rows, model.IndexRow{ParamID: paramID, Family: model.FamilyString, Value: s})
			}
		}
		if given, ok := t["given"].([]interface{}); ok {
			for _, g := range given {
				if s, ok := g.(string); ok {
					rows = append(rows, model.IndexRow{ParamID: paramID, Family: model.FamilyString, Value: s})
				}
			}
		}
		return rows
	}
	return nil
}

func referenceRows(paramID string, v interface{}) []model.IndexRow {
	switch t := v.(type) {
	case string:
		return []model.IndexRow{{ParamID: paramID, Family: model.FamilyReference, Value: t}}
	case map[string]interface{}:
		if ref, ok := t["reference"].(string); ok {
			return []model.IndexRow{{ParamID: paramID, Family: model.FamilyReference, Value: ref}}
		}
	}
	return nil
}

func quantityRows(paramID string, v interface{}) []model.IndexRow {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	value, ok := m["value"].(float64)
	if !ok {
		return nil
	}
	system, _ := m["system"].(string)
	code, _ := m["code"].(string)
	if code == "" {
		code, _ = m["unit"].(string)
	}
	return []model.IndexRow{{ParamID: paramID, Family: model.FamilyQuantity, System: system, Code: code, Number: value}}
}

// dateLayouts are tried most-precise first.
var dateLayouts = []struct {
	layout string
	span   func(time.Time) time.Time
}{
	{time.RFC3339Nano, func(t time.Time) time.Time { return t }},
	{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1).Add(-time.Nanosecond) }},
	{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0).Add(-time.Nanosecond) }},
	{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0).Add(-time.Nanosecond) }},
}

func parseDateRange(s string) (time.Time, time.Time, bool) {
	for _, dl := range dateLayouts {
		if t, err := time.Parse(dl.layout, s); err == nil {
			return t, dl.span(t), true
		}
	}
	return time.Time{}, time.Time{}, false
}

func dateRows(paramID string, v interface{}) []model.IndexRow {
	switch t := v.(type) {
	case string:
		if start, end, ok := parseDateRange(t); ok {
			return []model.IndexRow{{ParamID: paramID, Family: model.FamilyDate, Start: start, End: end}}
		}
	case map[string]interface{}:
		// Period
		row := model.IndexRow{ParamID: paramID, Family: model.FamilyDate}
		if s, ok := t["start"].(string); ok {
			if start, _, ok := parseDateRange(s); ok {
				row.Start = start
			}
		}
		if e, ok := t["end"].(string); ok {
			if _, end, ok := parseDateRange(e); ok {
				row.End = end
			}
		}
		if !row.Start.IsZero() || !row.End.IsZero() {
			return []model.IndexRow{row}
		}
	}
	return nil
}

func numberRows(paramID string, v interface{}) []model.IndexRow {
	if n, ok := v.(float64); ok {
		return []model.IndexRow{{ParamID: paramID, Family: model.FamilyNumber, Number: n}}
	}
	return nil
}

func uriRows(paramID string, v interface{}) []model.IndexRow {
	if s, ok := v.(string); ok {
		return []model.IndexRow{{ParamID: paramID, Family: model.FamilyURI, Value: s}}
	}
	return nil
}
