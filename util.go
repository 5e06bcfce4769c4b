package docmap

import (
	"strings"
)

// parseDocTag reads `doc:"key,id,omitempty"`. Options are case-insensitive
// and accept an explicit boolean, e.g. `doc:"key,id=false"`.
func parseDocTag(value string) (key string, isID bool, omitEmpty bool) {
	tagArr := strings.Split(value, ",")
	if len(tagArr) == 0 {
		return
	}

	checkBool := func(name string, opt []string) (matched bool, val bool) {
		if !strings.EqualFold(strings.TrimSpace(opt[0]), name) {
			return false, false
		}

		val = true
		if len(opt) > 1 {
			sval := strings.TrimSpace(opt[1])
			if strings.EqualFold(sval, "false") {
				val = false
			}
		}

		return true, val
	}

	key = strings.TrimSpace(tagArr[0])
	for _, v := range tagArr[1:] {
		opt := strings.SplitN(v, "=", 2)
		if ok, val := checkBool("id", opt); ok {
			isID = val
			continue
		}

		if ok, val := checkBool("omitempty", opt); ok {
			omitEmpty = val
		}
	}

	return
}

func sliceMap[In any, Out any](list []In, mapFn func(val In) Out) []Out {
	var newSlice = make([]Out, len(list))
	for i, val := range list {
		newSlice[i] = mapFn(val)
	}

	return newSlice
}

func sliceContains[T comparable](list []T, val T) bool {
	for _, item := range list {
		if item == val {
			return true
		}
	}

	return false
}
