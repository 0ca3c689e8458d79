package sandbox

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
)

// Result is the shape a transform script may return. Every field is
// optional; nil means the script did not set it.
type Result struct {
	Cost                *float64      `mapstructure:"cost"`
	Tokens              *int64        `mapstructure:"tokens"`
	InputTokens         *int64        `mapstructure:"inputTokens"`
	OutputTokens        *int64        `mapstructure:"outputTokens"`
	CacheCreationTokens *int64        `mapstructure:"cacheCreationTokens"`
	CacheReadTokens     *int64        `mapstructure:"cacheReadTokens"`
	Used                *float64      `mapstructure:"used"`
	Total               *float64      `mapstructure:"total"`
	Date                *string       `mapstructure:"date"`
	Models              []ModelResult `mapstructure:"models"`
}

// ModelResult is one entry of Result.Models.
type ModelResult struct {
	ModelName    string   `mapstructure:"modelName"`
	Cost         *float64 `mapstructure:"cost"`
	InputTokens  *int64   `mapstructure:"inputTokens"`
	OutputTokens *int64   `mapstructure:"outputTokens"`
}

// DecodeResult checks raw against the Result shape. Unknown keys are ignored;
// known keys holding values of the wrong type are an error.
func DecodeResult(raw json.RawMessage) (*Result, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &Error{Reason: ReasonInvalidResult, Message: "transform result is not valid JSON"}
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, &Error{Reason: ReasonInvalidResult, Message: fmt.Sprintf("transform must return an object, got %s", jsonKind(doc))}
	}

	var res Result
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     &res,
		TagName:    "mapstructure",
		DecodeHook: integralHook,
	})
	if err != nil {
		return nil, fmt.Errorf("create result decoder: %w", err)
	}
	if err := dec.Decode(obj); err != nil {
		return nil, &Error{Reason: ReasonInvalidResult, Message: err.Error()}
	}
	return &res, nil
}

// integralHook refuses to truncate fractional numbers into integer fields.
func integralHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.Float64 {
		return data, nil
	}
	if to.Kind() == reflect.Pointer {
		to = to.Elem()
	}
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
	default:
		return data, nil
	}
	f := data.(float64)
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return nil, fmt.Errorf("expected an integer, got %v", f)
	}
	return int64(f), nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	}
	return "unknown"
}
