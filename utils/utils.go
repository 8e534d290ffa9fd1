package utils

import (
	//nolint:gosec,G115
	"crypto/md5"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/datazip-inc/tidemark/logger"
	"github.com/goccy/go-json"
	"github.com/oklog/ulid"
	"github.com/spf13/cobra"
)

var (
	ulidMutex = sync.Mutex{}
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// IsValidSubcommand checks if the passed subcommand is supported by the parent command
func IsValidSubcommand(available []*cobra.Command, sub string) bool {
	for _, s := range available {
		if sub == s.Use || sub == s.CalledAs() {
			return true
		}
	}
	return false
}

func ArrayContains[T any](set []T, match func(elem T) bool) (int, bool) {
	for idx, elem := range set {
		if match(elem) {
			return idx, true
		}
	}

	return -1, false
}

// Unmarshal serializes and deserializes any from into the object
// return error if occurred
func Unmarshal(from, object any) error {
	reformatted := reformatInnerMaps(from)
	b, err := json.Marshal(reformatted)
	if err != nil {
		return fmt.Errorf("error marshaling object: %v", err)
	}
	err = json.Unmarshal(b, object)
	if err != nil {
		return fmt.Errorf("error unmarshalling from object: %v", err)
	}

	return nil
}

// reformatInnerMaps converts all map[any]any into map[string]any
// because json.Marshal doesn't support map[any]any (supports only string keys)
// but viper produces map[any]any for inner maps
func reformatInnerMaps(valueI any) any {
	switch value := valueI.(type) {
	case []any:
		for i, subValue := range value {
			value[i] = reformatInnerMaps(subValue)
		}
		return value
	case map[any]any:
		newMap := make(map[string]any, len(value))
		for k, subValue := range value {
			newMap[fmt.Sprint(k)] = reformatInnerMaps(subValue)
		}
		return newMap
	case map[string]any:
		for k, subValue := range value {
			value[k] = reformatInnerMaps(subValue)
		}
		return value
	default:
		return valueI
	}
}

func CheckIfFilesExists(files ...string) error {
	for _, file := range files {
		_, err := os.Stat(file)
		if os.IsNotExist(err) {
			return fmt.Errorf("%s does not exist: %s", file, err)
		}

		_, err = os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %s", file, err)
		}
	}

	return nil
}

// UnmarshalFile reads a json or toml file into dest
func UnmarshalFile(file string, dest any) error {
	if err := CheckIfFilesExists(file); err != nil {
		return err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("file not found : %s", err)
	}

	if strings.EqualFold(filepath.Ext(file), ".toml") {
		// toml decodes into a generic map first so that json struct tags stay the single source of field names
		raw := map[string]any{}
		if err := toml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to unmarshal file[%s]: %s", file, err)
		}
		return Unmarshal(raw, dest)
	}

	err = json.Unmarshal(data, dest)
	if err != nil {
		return fmt.Errorf("failed to unmarshal file[%s]: %s", file, err)
	}

	return nil
}

func TableIdentifier(name, namespace string) string {
	if namespace != "" {
		return fmt.Sprintf("%s.%s", namespace, name)
	}

	return name
}

func ULID() string {
	return genULID(time.Now())
}

func genULID(t time.Time) string {
	ulidMutex.Lock()
	defer ulidMutex.Unlock()
	newUlid, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		logger.Fatalf("failed to generate ulid: %s", err)
	}
	return newUlid.String()
}

// Returns a timestamped file name with the given extension
func TimestampedFileName(extension string) string {
	now := time.Now().UTC()
	return fmt.Sprintf("%d-%d-%d_%d-%d-%d_%s.%s", now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second(), genULID(now), extension)
}

// GetKeysHash returns md5 hashsum of concatenated map values (sort keys before)
func GetKeysHash(m map[string]interface{}, keys ...string) string {
	// without key columns the entire record identifies the row
	if len(keys) == 0 {
		return GetHash(m)
	}
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	var str strings.Builder
	for _, k := range sorted {
		str.WriteString(ConvertToString(m[k]))
		str.WriteRune('|')
	}
	//nolint:gosec,G115
	return fmt.Sprintf("%x", md5.Sum([]byte(str.String())))
}

// GetHash returns GetKeysHash result with keys from m
func GetHash(m map[string]interface{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	return GetKeysHash(m, keys...)
}

// IsNumeric reports whether v holds a Go integer or float kind
func IsNumeric(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// ToFloat64 converts any numeric kind into float64
func ToFloat64(v any) (float64, bool) {
	if !IsNumeric(v) {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	default:
		return rv.Float(), true
	}
}

// CompareInterfaceValue returns 0 for equal, -1 if a < b else 1 if a > b.
// nil sorts before every value; numbers of different kinds compare by value.
func CompareInterfaceValue(a, b interface{}) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	if IsNumeric(a) && IsNumeric(b) {
		return compareNumbers(reflect.ValueOf(a), reflect.ValueOf(b))
	}

	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case []byte:
		return strings.Compare(string(av), ConvertToString(b))
	case string:
		return strings.Compare(av, ConvertToString(b))
	}

	return strings.Compare(ConvertToString(a), ConvertToString(b))
}

func compareNumbers(a, b reflect.Value) int {
	isInt := func(v reflect.Value) bool {
		return v.CanInt()
	}
	isUint := func(v reflect.Value) bool {
		return v.CanUint()
	}

	switch {
	case isInt(a) && isInt(b):
		return cmpOrdered(a.Int(), b.Int())
	case isUint(a) && isUint(b):
		return cmpOrdered(a.Uint(), b.Uint())
	case isInt(a) && isUint(b):
		if a.Int() < 0 {
			return -1
		}
		return cmpOrdered(uint64(a.Int()), b.Uint())
	case isUint(a) && isInt(b):
		if b.Int() < 0 {
			return 1
		}
		return cmpOrdered(a.Uint(), uint64(b.Int()))
	}

	af, _ := ToFloat64(a.Interface())
	bf, _ := ToFloat64(b.Interface())
	return cmpOrdered(af, bf)
}

func cmpOrdered[T int64 | uint64 | float64](a, b T) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func ConvertToString(value interface{}) string {
	switch v := value.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", v)
	}
}
