package cache

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// keySep separates the method name from the argument digest. Method names
// never contain it, so MethodOf can always recover the method.
const keySep = "\x00"

// Key derives the cache key for a call to method with args. The arguments are
// encoded as JSON, which sorts map keys and keeps struct field order, and the
// encoding is hashed with xxhash64. Equal argument values always give equal
// keys; nil and empty argument lists are the same call.
func Key(method string, args []any) (string, error) {
	if args == nil {
		args = []any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnserializableArgs, method, err)
	}
	var b strings.Builder
	b.Grow(len(method) + len(keySep) + 16)
	b.WriteString(method)
	b.WriteString(keySep)
	b.WriteString(strconv.FormatUint(xxhash.Sum64(raw), 16))
	return b.String(), nil
}

// MethodOf returns the method name a key was derived from, or the whole key
// when it was not produced by Key.
func MethodOf(key string) string {
	method, _, _ := strings.Cut(key, keySep)
	return method
}
