// Package ids converts internal numeric identifiers to the opaque strings
// exposed at the API boundary and back.
package ids

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/speps/go-hashids/v2"

	"formcollect/api/internal/common"
)

// Codec is a reversible, deterministic encoder keyed by a salt.
type Codec struct {
	h *hashids.HashID
}

func NewCodec(salt string, minLength int) (*Codec, error) {
	data := hashids.NewData()
	data.Salt = salt
	data.MinLength = minLength
	h, err := hashids.NewWithData(data)
	if err != nil {
		return nil, fmt.Errorf("init hashids: %w", err)
	}
	return &Codec{h: h}, nil
}

func (c *Codec) Encode(id int64) string {
	encoded, err := c.h.EncodeInt64([]int64{id})
	if err != nil {
		// only negative ids fail to encode
		return ""
	}
	return encoded
}

// Decode returns common.ErrInvalidInput for anything that is not exactly one
// encoded identifier.
func (c *Codec) Decode(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, common.ErrInvalidInput
	}
	numbers, err := c.h.DecodeInt64WithError(value)
	if err != nil || len(numbers) != 1 {
		return 0, fmt.Errorf("decode id %q: %w", value, common.ErrInvalidInput)
	}
	return numbers[0], nil
}

// DecodeOrNumeric accepts an encoded identifier and falls back to a raw
// decimal one.
func (c *Codec) DecodeOrNumeric(value string) (int64, error) {
	if id, err := c.Decode(value); err == nil {
		return id, nil
	}
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: %q", common.ErrInvalidField, value)
	}
	return id, nil
}
