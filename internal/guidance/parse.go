package guidance

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrParseFailure means oracle output could not be read as a guidance record.
var ErrParseFailure = errors.New("guidance: unparseable oracle output")

type wireSignal struct {
	Category            string     `json:"category"`
	SuggestSilence      looseBool  `json:"suggest_silence"`
	SuggestSilenceCamel looseBool  `json:"suggestSilence"`
	Element             string     `json:"element"`
	Phase               string     `json:"phase"`
	Confidence          looseFloat `json:"confidence"`
}

// looseFloat accepts a JSON number or a numeric string. Any other value is
// treated as absent so one odd field does not discard the whole record.
type looseFloat struct {
	v  float64
	ok bool
}

func (f *looseFloat) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case float64:
		f.v, f.ok = x, true
	case string:
		v, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
			f.v, f.ok = v, true
		}
	}
	return nil
}

// looseBool accepts a JSON boolean or "true"/"false" as a string.
type looseBool struct {
	v  bool
	ok bool
}

func (f *looseBool) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case bool:
		f.v, f.ok = x, true
	case string:
		if v, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
			f.v, f.ok = v, true
		}
	}
	return nil
}

// Parse decodes oracle output into a Signal. Malformed JSON is repaired
// once before giving up. Out-of-vocabulary values are normalised rather
// than rejected.
func Parse(data []byte) (Signal, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Signal{}, fmt.Errorf("%w: empty", ErrParseFailure)
	}
	var w wireSignal
	if err := unmarshalJSON(data, &w); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	return normalise(w), nil
}

func unmarshalJSON(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return err
	}
	fixed, rerr := jsonrepair.JSONRepair(string(data))
	if rerr != nil {
		return rerr
	}
	return json.Unmarshal([]byte(fixed), v)
}

func normalise(w wireSignal) Signal {
	category, _ := ParseCategory(strings.ToLower(strings.TrimSpace(w.Category)))
	sig := Signal{Category: category}

	switch {
	case w.SuggestSilence.ok:
		sig.SuggestSilence = w.SuggestSilence.v
	case w.SuggestSilenceCamel.ok:
		sig.SuggestSilence = w.SuggestSilenceCamel.v
	}
	if category == Silence {
		sig.SuggestSilence = true
	}
	if p, ok := ParsePhase(strings.ToLower(strings.TrimSpace(w.Phase))); ok {
		sig.Phase = p
	}
	if e, ok := ParseElement(strings.ToLower(strings.TrimSpace(w.Element))); ok {
		sig.Element = e
	}
	if w.Confidence.ok {
		sig.Confidence = clamp01(w.Confidence.v)
	}
	return sig
}
