package traffic

import (
	"strconv"
	"strings"
)

// ByteCount is a traffic counter that serializes as a decimal string.
// Counters routinely exceed 2^53, which silently loses precision in
// JSON consumers that parse numbers as floats.
type ByteCount uint64

func (b ByteCount) MarshalJSON() ([]byte, error) {
	return strconv.AppendQuote(nil, strconv.FormatUint(uint64(b), 10)), nil
}

// UnmarshalJSON accepts both the string form and a plain number so older
// payloads keep decoding. Anything unparseable or negative reads as zero.
func (b *ByteCount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*b = 0
		return nil
	}
	value, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		*b = 0
		return nil
	}
	*b = ByteCount(value)
	return nil
}
