package chunk

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kvchunk/store/common"
)

// EncodeMap renders m as a deterministic, checksummed ASCII record:
// comma-separated "key:value" pairs in sorted key order, followed by a
// trailing "fletcher:<hex>" field covering everything before it, and a
// terminating newline. Store header and chunk header/footer records
// all share this shape.
func EncodeMap(m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(m[k])
	}
	body := sb.String()
	sum := Fletcher32([]byte(body))

	var out strings.Builder
	out.WriteString(body)
	out.WriteByte(',')
	out.WriteString("fletcher:")
	out.WriteString(strconv.FormatUint(uint64(sum), 16))
	out.WriteByte('\n')
	return []byte(out.String())
}

// DecodeMap parses a record written by EncodeMap and verifies its
// checksum. Trailing NUL padding (used to fill a fixed-size block) is
// ignored.
func DecodeMap(data []byte) (map[string]string, error) {
	nl := -1
	for i, b := range data {
		if b == '\n' {
			nl = i
			break
		}
	}
	if nl < 0 {
		return nil, common.New(common.Corrupt, "header record missing terminator")
	}
	line := string(data[:nl])

	idx := strings.LastIndex(line, ",fletcher:")
	if idx < 0 {
		return nil, common.New(common.Corrupt, "header record missing checksum field")
	}
	body := line[:idx]
	sumText := line[idx+len(",fletcher:"):]
	sum, err := strconv.ParseUint(sumText, 16, 32)
	if err != nil {
		return nil, common.Wrap(common.Corrupt, "header record has invalid checksum field", err)
	}
	if uint32(sum) != Fletcher32([]byte(body)) {
		return nil, common.New(common.Corrupt, "header record checksum mismatch")
	}

	m := make(map[string]string)
	if body != "" {
		for _, pair := range strings.Split(body, ",") {
			kv := strings.SplitN(pair, ":", 2)
			if len(kv) != 2 {
				return nil, common.Newf(common.Corrupt, "malformed header field %q", pair)
			}
			m[kv[0]] = kv[1]
		}
	}
	return m, nil
}

// RequireField fetches a required key from a decoded record.
func RequireField(m map[string]string, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", common.Newf(common.Corrupt, "header record missing field %q", key)
	}
	return v, nil
}

// RequireHex parses a required hex-encoded unsigned field.
func RequireHex(m map[string]string, key string) (uint64, error) {
	v, err := RequireField(m, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 16, 64)
	if err != nil {
		return 0, common.Wrap(common.Corrupt, fmt.Sprintf("header field %q is not hex", key), err)
	}
	return n, nil
}

// Hex renders n as a lowercase hex string, the encoding every integer
// field in a header record uses.
func Hex(n uint64) string { return strconv.FormatUint(n, 16) }

// encodeFields renders m without a checksum, for records that are
// themselves stored inside an already-checksummed container (the
// "chunk.{hex id}" metadata entries live inside the meta map's pages,
// which are covered by their owning chunk's header/footer).
func encodeFields(m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(m[k])
	}
	return []byte(sb.String())
}

// decodeFields parses a record written by encodeFields.
func decodeFields(data []byte) (map[string]string, error) {
	m := make(map[string]string)
	s := string(data)
	if s == "" {
		return m, nil
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			return nil, common.Newf(common.Corrupt, "malformed field %q", pair)
		}
		m[kv[0]] = kv[1]
	}
	return m, nil
}
