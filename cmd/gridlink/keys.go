package main

import (
	"fmt"
	"math"
	"strconv"

	"github.com/couchbase/gridlink/common/affinity"
)

// parseCacheID accepts either a numeric cache id or a cache name.
func parseCacheID(arg string, numeric bool) (int32, error) {
	if !numeric {
		return affinity.CacheID(arg), nil
	}

	id, err := strconv.ParseInt(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid cache id %q: %w", arg, err)
	}
	return int32(id), nil
}

func parseKey(keyType string, value string) (interface{}, error) {
	switch keyType {
	case "bool":
		return strconv.ParseBool(value)
	case "int8":
		v, err := strconv.ParseInt(value, 10, 8)
		return int8(v), err
	case "int16":
		v, err := strconv.ParseInt(value, 10, 16)
		return int16(v), err
	case "char":
		runes := []rune(value)
		if len(runes) != 1 || runes[0] > math.MaxUint16 {
			return nil, fmt.Errorf("invalid char key %q", value)
		}
		return uint16(runes[0]), nil
	case "int32":
		v, err := strconv.ParseInt(value, 10, 32)
		return int32(v), err
	case "int64":
		return strconv.ParseInt(value, 10, 64)
	case "float32":
		v, err := strconv.ParseFloat(value, 32)
		return float32(v), err
	case "float64":
		return strconv.ParseFloat(value, 64)
	case "string":
		return value, nil
	}

	return nil, fmt.Errorf("unknown key type %q", keyType)
}
