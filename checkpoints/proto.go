package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

// protoMagic prefixes every binary checkpoint; the byte after it is the wire
// version. The remainder is a zstd stream holding one Checkpoint message.
var protoMagic = []byte("RMCK")

const protoWireVersion = 1

// Checkpoint message fields.
const (
	ckptProfileField   protowire.Number = 1
	ckptModelSpecField protowire.Number = 2 // JSON-encoded layers.ModelSpec
	ckptWeightField    protowire.Number = 3
	ckptTrainingField  protowire.Number = 4
	ckptOptimizerField protowire.Number = 5
	ckptSchedulerField protowire.Number = 6
	ckptMetadataField  protowire.Number = 7
)

// maxDecodedSize bounds decompression of a single checkpoint.
const maxDecodedSize = 1 << 30

func encodeProto(w io.Writer, c *Checkpoint) error {
	spec, err := json.Marshal(c.ModelSpec)
	if err != nil {
		return fmt.Errorf("failed to encode model spec: %w", err)
	}

	var b []byte
	b = appendString(b, ckptProfileField, c.ProfileID)
	b = protowire.AppendTag(b, ckptModelSpecField, protowire.BytesType)
	b = protowire.AppendBytes(b, spec)
	for _, wt := range c.Weights {
		b = appendMessage(b, ckptWeightField, marshalWeight(wt))
	}
	b = appendMessage(b, ckptTrainingField, marshalTrainingState(c.TrainingState))
	if c.OptimizerState != nil {
		b = appendMessage(b, ckptOptimizerField, marshalOptimizerState(c.OptimizerState))
	}
	if c.SchedulerState != nil {
		b = appendMessage(b, ckptSchedulerField, marshalSchedulerState(c.SchedulerState))
	}
	b = appendMessage(b, ckptMetadataField, marshalMetadata(c.Metadata))

	if _, err := w.Write(append(append([]byte(nil), protoMagic...), protoWireVersion)); err != nil {
		return fmt.Errorf("failed to write checkpoint header: %w", err)
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if _, err := enc.Write(b); err != nil {
		enc.Close()
		return fmt.Errorf("failed to compress checkpoint: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finish checkpoint stream: %w", err)
	}
	return nil
}

func decodeProto(r io.Reader) (*Checkpoint, error) {
	header := make([]byte, len(protoMagic)+1)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrCorruptCheckpoint, err)
	}
	if !bytes.Equal(header[:len(protoMagic)], protoMagic) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptCheckpoint, header[:len(protoMagic)])
	}
	if header[len(protoMagic)] != protoWireVersion {
		return nil, fmt.Errorf("%w: unsupported wire version %d", ErrCorruptCheckpoint, header[len(protoMagic)])
	}

	dec, err := zstd.NewReader(r, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	defer dec.Close()
	b, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decompress: %v", ErrCorruptCheckpoint, err)
	}

	c, err := unmarshalCheckpoint(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	return c, nil
}

func unmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case ckptProfileField:
			c.ProfileID = string(f.bytes)
		case ckptModelSpecField:
			if err := json.Unmarshal(f.bytes, &c.ModelSpec); err != nil {
				return fmt.Errorf("model spec: %w", err)
			}
		case ckptWeightField:
			wt, err := unmarshalWeight(f.bytes)
			if err != nil {
				return err
			}
			c.Weights = append(c.Weights, wt)
		case ckptTrainingField:
			ts, err := unmarshalTrainingState(f.bytes)
			if err != nil {
				return err
			}
			c.TrainingState = ts
		case ckptOptimizerField:
			st, err := unmarshalOptimizerState(f.bytes)
			if err != nil {
				return err
			}
			c.OptimizerState = st
		case ckptSchedulerField:
			ss, err := unmarshalSchedulerState(f.bytes)
			if err != nil {
				return err
			}
			c.SchedulerState = ss
		case ckptMetadataField:
			md, err := unmarshalMetadata(f.bytes)
			if err != nil {
				return err
			}
			c.Metadata = md
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// field is one decoded wire field. Only the member matching typ is set.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	u64   uint64 // varint, fixed32 and fixed64 values
	bytes []byte
}

func walkFields(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u64, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u64 = uint64(v)
		case protowire.Fixed64Type:
			f.u64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendShape(b []byte, num protowire.Number, shape []int) []byte {
	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	return appendMessage(b, num, packed)
}

func appendFloats(b []byte, num protowire.Number, data []float32) []byte {
	packed := make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}

func consumeShape(b []byte) ([]int, error) {
	shape := []int{}
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("invalid shape: %w", protowire.ParseError(n))
		}
		shape = append(shape, int(v))
		b = b[n:]
	}
	return shape, nil
}

func consumeFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("packed floats of %d bytes", len(b))
	}
	data := make([]float32, 0, len(b)/4)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, fmt.Errorf("invalid float data: %w", protowire.ParseError(n))
		}
		data = append(data, math.Float32frombits(v))
		b = b[n:]
	}
	return data, nil
}

// appendParams writes map entries in key order so output is reproducible.
func appendParams(b []byte, num protowire.Number, params map[string]float64) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendDouble(entry, 2, params[k])
		b = appendMessage(b, num, entry)
	}
	return b
}

func consumeParam(b []byte, into map[string]float64) error {
	var key string
	var value float64
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			key = string(f.bytes)
		case 2:
			value = math.Float64frombits(f.u64)
		}
		return nil
	})
	if err != nil {
		return err
	}
	into[key] = value
	return nil
}

func marshalWeight(w WeightTensor) []byte {
	var b []byte
	b = appendString(b, 1, w.Name)
	b = appendShape(b, 2, w.Shape)
	b = appendFloats(b, 3, w.Data)
	b = appendString(b, 4, w.Layer)
	b = appendString(b, 5, w.Type)
	return b
}

func unmarshalWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walkFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			w.Name = string(f.bytes)
		case 2:
			w.Shape, err = consumeShape(f.bytes)
		case 3:
			w.Data, err = consumeFloats(f.bytes)
		case 4:
			w.Layer = string(f.bytes)
		case 5:
			w.Type = string(f.bytes)
		}
		return err
	})
	if err != nil {
		return w, fmt.Errorf("weight tensor: %w", err)
	}
	return w, nil
}

func marshalTrainingState(s TrainingState) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(s.Epoch))
	b = appendVarint(b, 2, uint64(s.Step))
	b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(s.LearningRate))
	b = appendDouble(b, 4, s.Loss)
	b = appendDouble(b, 5, s.BestLoss)
	b = appendVarint(b, 6, uint64(s.TotalSteps))
	return b
}

func unmarshalTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			s.Epoch = int(f.u64)
		case 2:
			s.Step = int(f.u64)
		case 3:
			s.LearningRate = math.Float32frombits(uint32(f.u64))
		case 4:
			s.Loss = math.Float64frombits(f.u64)
		case 5:
			s.BestLoss = math.Float64frombits(f.u64)
		case 6:
			s.TotalSteps = int(f.u64)
		}
		return nil
	})
	if err != nil {
		return s, fmt.Errorf("training state: %w", err)
	}
	return s, nil
}

func marshalOptimizerState(s *OptimizerState) []byte {
	var b []byte
	b = appendString(b, 1, s.Type)
	b = appendParams(b, 2, s.Parameters)
	for _, t := range s.StateData {
		var tb []byte
		tb = appendString(tb, 1, t.Name)
		tb = appendShape(tb, 2, t.Shape)
		tb = appendFloats(tb, 3, t.Data)
		tb = appendString(tb, 4, t.StateType)
		b = appendMessage(b, 3, tb)
	}
	return b
}

func unmarshalOptimizerState(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: make(map[string]float64)}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			s.Type = string(f.bytes)
		case 2:
			return consumeParam(f.bytes, s.Parameters)
		case 3:
			var t OptimizerTensor
			err := walkFields(f.bytes, func(tf field) error {
				var err error
				switch tf.num {
				case 1:
					t.Name = string(tf.bytes)
				case 2:
					t.Shape, err = consumeShape(tf.bytes)
				case 3:
					t.Data, err = consumeFloats(tf.bytes)
				case 4:
					t.StateType = string(tf.bytes)
				}
				return err
			})
			if err != nil {
				return err
			}
			s.StateData = append(s.StateData, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("optimizer state: %w", err)
	}
	return s, nil
}

func marshalSchedulerState(s *SchedulerState) []byte {
	var b []byte
	b = appendString(b, 1, s.Type)
	b = appendParams(b, 2, s.Parameters)
	return b
}

func unmarshalSchedulerState(b []byte) (*SchedulerState, error) {
	s := &SchedulerState{Parameters: make(map[string]float64)}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			s.Type = string(f.bytes)
		case 2:
			return consumeParam(f.bytes, s.Parameters)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler state: %w", err)
	}
	return s, nil
}

func marshalMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	b = appendVarint(b, 3, uint64(m.CreatedAt.UnixNano()))
	b = appendString(b, 4, m.RunID)
	b = appendString(b, 5, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func unmarshalMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.Version = string(f.bytes)
		case 2:
			m.Framework = string(f.bytes)
		case 3:
			m.CreatedAt = time.Unix(0, int64(f.u64)).UTC()
		case 4:
			m.RunID = string(f.bytes)
		case 5:
			m.Description = string(f.bytes)
		case 6:
			m.Tags = append(m.Tags, string(f.bytes))
		}
		return nil
	})
	if err != nil {
		return m, fmt.Errorf("metadata: %w", err)
	}
	return m, nil
}
