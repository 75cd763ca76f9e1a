// Package statecodec encodes accumulator intermediate state. The messages are
// described by the embedded state.proto, compiled once at start-up, so a
// spilled value can be read back by any process that ships the same schema.
package statecodec

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bufbuild/protocompile"
	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

const schemaFile = "groupagg/state/v1/state.proto"

//go:embed state.proto
var schemaSource string

var ErrMalformedState = errors.New("malformed intermediate state")

// Codec encodes and decodes the intermediate state messages.
type Codec struct {
	decimalState protoreflect.MessageDescriptor
	decimalValue protoreflect.FieldDescriptor
	decimalSet   protoreflect.FieldDescriptor

	averageState protoreflect.MessageDescriptor
	averageSum   protoreflect.FieldDescriptor
	averageCount protoreflect.FieldDescriptor

	sketchState protoreflect.MessageDescriptor
	sketchBytes protoreflect.FieldDescriptor
}

// Compile builds a Codec from the embedded schema.
func Compile(ctx context.Context) (*Codec, error) {
	compiler := protocompile.Compiler{
		Resolver:       protocompile.WithStandardImports(&schemaResolver{}),
		SourceInfoMode: protocompile.SourceInfoNone,
	}
	files, err := compiler.Compile(ctx, schemaFile)
	if err != nil {
		return nil, fmt.Errorf("failed to compile state schema: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files compiled")
	}
	messages := files[0].Messages()

	c := &Codec{
		decimalState: messages.ByName("DecimalState"),
		averageState: messages.ByName("AverageState"),
		sketchState:  messages.ByName("SketchState"),
	}
	if c.decimalState == nil || c.averageState == nil || c.sketchState == nil {
		return nil, fmt.Errorf("state schema is missing a message")
	}
	c.decimalValue = c.decimalState.Fields().ByName("value")
	c.decimalSet = c.decimalState.Fields().ByName("present")
	c.averageSum = c.averageState.Fields().ByName("sum")
	c.averageCount = c.averageState.Fields().ByName("count")
	c.sketchBytes = c.sketchState.Fields().ByName("sketch")
	return c, nil
}

var compileDefault = sync.OnceValues(func() (*Codec, error) {
	return Compile(context.Background())
})

// Default returns the process-wide codec. The schema is embedded, so a
// compile failure is a build defect and panics.
func Default() *Codec {
	c, err := compileDefault()
	if err != nil {
		panic(err)
	}
	return c
}

// EncodeDecimal encodes a sum/min/max state.
func (c *Codec) EncodeDecimal(value decimal.Decimal, present bool) []byte {
	msg := dynamicpb.NewMessage(c.decimalState)
	if present {
		msg.Set(c.decimalValue, protoreflect.ValueOfString(value.String()))
		msg.Set(c.decimalSet, protoreflect.ValueOfBool(true))
	}
	return marshal(msg)
}

// DecodeDecimal is the inverse of EncodeDecimal.
func (c *Codec) DecodeDecimal(data []byte) (decimal.Decimal, bool, error) {
	msg := dynamicpb.NewMessage(c.decimalState)
	if err := proto.Unmarshal(data, msg); err != nil {
		return decimal.Zero, false, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	if !msg.Get(c.decimalSet).Bool() {
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(msg.Get(c.decimalValue).String())
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	return d, true, nil
}

// EncodeAverage encodes an avg state.
func (c *Codec) EncodeAverage(sum decimal.Decimal, count int64) []byte {
	msg := dynamicpb.NewMessage(c.averageState)
	msg.Set(c.averageSum, protoreflect.ValueOfString(sum.String()))
	msg.Set(c.averageCount, protoreflect.ValueOfInt64(count))
	return marshal(msg)
}

// DecodeAverage is the inverse of EncodeAverage.
func (c *Codec) DecodeAverage(data []byte) (decimal.Decimal, int64, error) {
	msg := dynamicpb.NewMessage(c.averageState)
	if err := proto.Unmarshal(data, msg); err != nil {
		return decimal.Zero, 0, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	count := msg.Get(c.averageCount).Int()
	raw := msg.Get(c.averageSum).String()
	if raw == "" {
		return decimal.Zero, count, nil
	}
	sum, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	return sum, count, nil
}

// EncodeSketch wraps a serialized sketch; nil means no input yet.
func (c *Codec) EncodeSketch(sketch []byte) []byte {
	msg := dynamicpb.NewMessage(c.sketchState)
	if len(sketch) > 0 {
		msg.Set(c.sketchBytes, protoreflect.ValueOfBytes(sketch))
	}
	return marshal(msg)
}

// DecodeSketch is the inverse of EncodeSketch.
func (c *Codec) DecodeSketch(data []byte) ([]byte, error) {
	msg := dynamicpb.NewMessage(c.sketchState)
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	return msg.Get(c.sketchBytes).Bytes(), nil
}

func marshal(msg proto.Message) []byte {
	data, err := proto.Marshal(msg)
	if err != nil {
		// Only reachable with an invalid message, which the fixed schema rules out.
		panic(fmt.Errorf("marshal intermediate state: %w", err))
	}
	return data
}

// schemaResolver serves the embedded schema to the compiler.
type schemaResolver struct{}

func (r *schemaResolver) FindFileByPath(path string) (protocompile.SearchResult, error) {
	if path == schemaFile {
		return protocompile.SearchResult{
			Source: strings.NewReader(schemaSource),
		}, nil
	}
	return protocompile.SearchResult{}, fmt.Errorf("file not found: %s", path)
}
