package domain

import (
	"fmt"
	"strings"
)

// JSONなど動的に型付けされた入力を検証する関数群。
// いずれもI/Oの前に呼ばれ、型が合わない場合は ErrInvalidType を返す。

// ParseString はスカラー文字列を取り出す。
func ParseString(field string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %s", ErrInvalidType, field, describe(v))
	}
	return s, nil
}

// ParseAltName は単一の別名を取り出す。配列やオブジェクトは受け付けない。
func ParseAltName(v any) (string, error) {
	switch v.(type) {
	case []any:
		return "", fmt.Errorf("%w: key alternate name cannot be an array", ErrInvalidType)
	case map[string]any:
		return "", fmt.Errorf("%w: key alternate name cannot be an object", ErrInvalidType)
	}
	name, err := ParseString("key alternate name", v)
	if err != nil {
		return "", err
	}
	if err := ValidateAltName(name); err != nil {
		return "", err
	}
	return name, nil
}

// ParseAltNames は別名の配列を取り出す。nil は「指定なし」として扱う。
func ParseAltNames(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: key alternate names must be an array, got %s", ErrInvalidType, describe(v))
	}
	names := make([]string, 0, len(items))
	for i, item := range items {
		name, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%w: key alternate name at index %d must be a string, got %s", ErrInvalidType, i, describe(item))
		}
		names = append(names, name)
	}
	return names, nil
}

// ValidateAltName は別名の内容を検証する。
func ValidateAltName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: key alternate name must not be empty", ErrInvalidArgument)
	}
	return nil
}

// ValidateAltNames は別名リストの内容と重複を検証する。
func ValidateAltNames(names []string) error {
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if err := ValidateAltName(name); err != nil {
			return err
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: key alternate name %q given more than once", ErrInvalidArgument, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int32, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
