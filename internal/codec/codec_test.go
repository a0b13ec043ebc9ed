package codec

import (
	"errors"
	"testing"

	"github.com/bitjig/rund/internal/creation"
	"github.com/bitjig/rund/internal/determinism"
)

var errNotFound = errors.New("codec test: creation not in master list")

func newTestCodec(masterList []creation.Creation) *Codec {
	return New(
		func(c creation.Creation) (determinism.Value, error) {
			for i, m := range masterList {
				if m == c {
					return float64(i), nil
				}
			}
			return nil, errNotFound
		},
		func(ref determinism.Value) (creation.Creation, error) {
			idx := int(ref.(float64))
			return masterList[idx], nil
		},
	)
}

func TestEncodeDecodeRoundTripScalars(t *testing.T) {
	c := newTestCodec(nil)
	vals := []interface{}{float64(42), "hello", true, nil}
	for _, v := range vals {
		enc, err := c.EncodeValue(v)
		if err != nil {
			t.Fatalf("encode %v: %v", v, err)
		}
		dec, err := c.DecodeValue(enc)
		if err != nil {
			t.Fatalf("decode %v: %v", v, err)
		}
		if v == nil {
			if dec != nil {
				t.Fatalf("got %v, want nil", dec)
			}
			continue
		}
		if dec != v {
			t.Fatalf("got %v, want %v", dec, v)
		}
	}
}

func TestEncodeJigReference(t *testing.T) {
	target := &creation.Code{Source: "class A {}"}
	c := newTestCodec([]creation.Creation{target})

	enc, err := c.EncodeValue(target)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m, ok := enc.(map[string]determinism.Value)
	if !ok {
		t.Fatalf("got %T, want tagged map", enc)
	}
	if _, ok := m["$jig"]; !ok {
		t.Fatalf("missing $jig tag: %v", m)
	}

	dec, err := c.DecodeValue(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec != target {
		t.Fatalf("got %v, want target creation", dec)
	}
}

func TestEncodeUnsupportedTypeFails(t *testing.T) {
	c := newTestCodec(nil)
	var u interface{} = nil
	_ = u
	enc, err := c.EncodeValue(struct{}{})
	if err == nil {
		t.Fatalf("expected error for unsupported type, got %v", enc)
	}
}
