package message

import (
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// DecodeFunc converts raw token value (already trimmed, "" when absent).
type DecodeFunc func(raw string) (interface{}, error)

// Whole string must be a number, "12abc" is an error, not 12.
func DecodeInt(raw string) (interface{}, error) {
	x, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errors.NotValidf("integer")
	}
	return x, nil
}

func DecodeFloat(raw string) (interface{}, error) {
	x, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
		return nil, errors.NotValidf("number")
	}
	return x, nil
}

func DecodeString(raw string) (interface{}, error) {
	if raw == "" {
		return nil, errors.NotValidf("empty text")
	}
	return raw, nil
}

// DecodeHexID accepts at most 4 hex digits, result is zero padded lower case.
func DecodeHexID(raw string) (interface{}, error) {
	if raw == "" || len(raw) > 4 {
		return nil, errors.NotValidf("id, expected 1-4 hex digits")
	}
	x, err := strconv.ParseUint(raw, 16, 16)
	if err != nil {
		return nil, errors.NotValidf("id, expected 1-4 hex digits")
	}
	return formatID(uint16(x)), nil
}

// DecodeFlag accepts bare name or explicit 1/true.
func DecodeFlag(raw string) (interface{}, error) {
	switch strings.ToLower(raw) {
	case "", "1", "true":
		return true, nil
	}
	return nil, errors.NotValidf("flag, expected no value")
}

func DecodeEnum(values ...string) DecodeFunc {
	return func(raw string) (interface{}, error) {
		for _, v := range values {
			if raw == v {
				return v, nil
			}
		}
		return nil, errors.NotValidf("value, expected one of %s", strings.Join(values, "|"))
	}
}

// DecoderByName resolves decoder names used in config files.
func DecoderByName(name string, enum []string) (DecodeFunc, error) {
	switch name {
	case "int":
		return DecodeInt, nil
	case "float", "":
		return DecodeFloat, nil
	case "string":
		return DecodeString, nil
	case "hexid":
		return DecodeHexID, nil
	case "flag":
		return DecodeFlag, nil
	case "enum":
		if len(enum) == 0 {
			return nil, errors.NotValidf("decoder=enum without values")
		}
		return DecodeEnum(enum...), nil
	}
	return nil, errors.NotFoundf("decoder=%s", name)
}

func formatID(x uint16) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[x>>12], digits[(x>>8)&0xf], digits[(x>>4)&0xf], digits[x&0xf]})
}
