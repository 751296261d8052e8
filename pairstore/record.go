package pairstore

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the PairRecord message.
const (
	recordRawField      protowire.Number = 1
	recordRenderedField protowire.Number = 2
	recordWidthField    protowire.Number = 3
	recordHeightField   protowire.Number = 4
	recordProfileField  protowire.Number = 5
	recordIndexField    protowire.Number = 6

	manifestKeysField    protowire.Number = 1
	manifestVersionField protowire.Number = 2

	manifestVersion = 1
)

// record is the stored value of one data key. Raw and Rendered are PNG bytes.
type record struct {
	ProfileID string
	Index     int
	Width     int
	Height    int
	Raw       []byte
	Rendered  []byte
}

func (r *record) marshal() []byte {
	b := make([]byte, 0, len(r.Raw)+len(r.Rendered)+64)
	b = protowire.AppendTag(b, recordRawField, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Raw)
	b = protowire.AppendTag(b, recordRenderedField, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Rendered)
	b = protowire.AppendTag(b, recordWidthField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Width))
	b = protowire.AppendTag(b, recordHeightField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Height))
	b = protowire.AppendTag(b, recordProfileField, protowire.BytesType)
	b = protowire.AppendString(b, r.ProfileID)
	b = protowire.AppendTag(b, recordIndexField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Index))
	return b
}

func unmarshalRecord(b []byte) (*record, error) {
	r := &record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("invalid record tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == recordRawField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid raw image field: %w", protowire.ParseError(n))
			}
			r.Raw = v
			b = b[n:]
		case num == recordRenderedField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid rendered image field: %w", protowire.ParseError(n))
			}
			r.Rendered = v
			b = b[n:]
		case num == recordProfileField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid profile field: %w", protowire.ParseError(n))
			}
			r.ProfileID = v
			b = b[n:]
		case (num == recordWidthField || num == recordHeightField || num == recordIndexField) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid varint field %d: %w", num, protowire.ParseError(n))
			}
			switch num {
			case recordWidthField:
				r.Width = int(v)
			case recordHeightField:
				r.Height = int(v)
			default:
				r.Index = int(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if len(r.Raw) == 0 || len(r.Rendered) == 0 {
		return nil, fmt.Errorf("record is missing image data")
	}
	return r, nil
}

func marshalManifest(keys []string) []byte {
	b := make([]byte, 0, 24*len(keys)+4)
	b = protowire.AppendTag(b, manifestVersionField, protowire.VarintType)
	b = protowire.AppendVarint(b, manifestVersion)
	for _, k := range keys {
		b = protowire.AppendTag(b, manifestKeysField, protowire.BytesType)
		b = protowire.AppendString(b, k)
	}
	return b
}

func unmarshalManifest(b []byte) ([]string, error) {
	var keys []string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("invalid manifest tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == manifestKeysField && typ == protowire.BytesType {
			k, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid manifest key: %w", protowire.ParseError(n))
			}
			keys = append(keys, k)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, fmt.Errorf("invalid manifest field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return keys, nil
}
