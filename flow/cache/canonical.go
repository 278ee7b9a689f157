package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// File is implemented by values that name a file on disk. Such values are
// hashed by content, not by path, so moving an identical file does not
// invalidate cache entries.
type File interface {
	FilePath() string
}

// Canonical renders a value as a deterministic byte string suitable for
// hashing. Maps are emitted with sorted keys, floats in shortest round-trip
// form, and File values as the hex digest of their content.
//
// The encoding is JSON-like but not JSON: it exists only to be stable, not
// to be parsed back.
func Canonical(v any) (string, error) {
	var sb strings.Builder
	if err := writeCanonical(&sb, v); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
		return nil
	case File:
		digest, err := hashFile(t.FilePath())
		if err != nil {
			return err
		}
		sb.WriteString("file:" + digest)
		return nil
	case bool:
		sb.WriteString(strconv.FormatBool(t))
		return nil
	case string:
		sb.WriteString(strconv.Quote(t))
		return nil
	case int:
		sb.WriteString(strconv.Itoa(t))
		return nil
	case int64:
		sb.WriteString(strconv.FormatInt(t, 10))
		return nil
	case float64:
		return writeFloat(sb, t)
	case float32:
		return writeFloat(sb, float64(t))
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		sb.WriteString(strconv.FormatInt(rv.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		sb.WriteString(strconv.FormatUint(rv.Uint(), 10))
		return nil
	case reflect.Slice, reflect.Array:
		sb.WriteByte('[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("cache: cannot canonicalize map with %s keys", rv.Type().Key())
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			if err := writeCanonical(sb, rv.MapIndex(reflect.ValueOf(k)).Interface()); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
		return nil
	case reflect.Ptr:
		if rv.IsNil() {
			sb.WriteString("null")
			return nil
		}
		return writeCanonical(sb, rv.Elem().Interface())
	}
	return fmt.Errorf("cache: cannot canonicalize %T", v)
}

func writeFloat(sb *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("cache: cannot canonicalize non-finite float %v", f)
	}
	// Integral floats render as integers so 2 and 2.0 share a key, matching
	// the Int -> Float coercion at the wiring layer.
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		sb.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cache: hash %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("cache: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Key computes the content-addressed cache key for a unit: the digest of the
// task identity, the canonical form of its resolved inputs, and the
// environment it runs in. Node names and split coordinates do not
// participate, so identical work shares one entry.
func Key(taskID string, inputs map[string]any, env string) (string, error) {
	canon, err := Canonical(inputs)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	fmt.Fprintf(h, "%d:%s;%d:%s;%d:%s", len(taskID), taskID, len(canon), canon, len(env), env)
	return hex.EncodeToString(h.Sum(nil)), nil
}
