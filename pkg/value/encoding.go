package value

import "fmt"

// Encoded is the serializable form of a constant Value. Only constant
// kinds (scalars, strings, arrays of constants, function references)
// can be encoded; runtime objects cannot.
type Encoded struct {
	Kind  string    `cbor:"k"`
	Int   int64     `cbor:"i,omitempty"`
	Uint  uint64    `cbor:"u,omitempty"`
	Float float64   `cbor:"f,omitempty"`
	Str   string    `cbor:"s,omitempty"`
	Elems []Encoded `cbor:"e,omitempty"`
}

// Encode converts v to its serializable form.
func Encode(v Value) (Encoded, error) {
	e := Encoded{Kind: v.kind.String()}
	switch v.kind {
	case KindNil:
	case KindBool:
		if v.AsBool() {
			e.Int = 1
		}
	case KindI32:
		e.Int = int64(v.AsI32())
	case KindI64:
		e.Int = v.AsI64()
	case KindU32:
		e.Uint = uint64(v.AsU32())
	case KindU64:
		e.Uint = v.AsU64()
	case KindF64:
		e.Float = v.AsF64()
	case KindString:
		e.Str = v.AsString()
	case KindFunction:
		e.Int = int64(v.FunctionIndex())
	case KindArray:
		arr := v.AsArray()
		if arr != nil {
			e.Elems = make([]Encoded, len(arr.Elems))
			for i, el := range arr.Elems {
				enc, err := Encode(el)
				if err != nil {
					return Encoded{}, err
				}
				e.Elems[i] = enc
			}
		}
	default:
		return Encoded{}, fmt.Errorf("value: cannot encode %s", v.kind)
	}
	return e, nil
}

// Decode rebuilds the Value described by e.
func Decode(e Encoded) (Value, error) {
	switch e.Kind {
	case "nil":
		return Nil, nil
	case "bool":
		return Bool(e.Int != 0), nil
	case "i32":
		return I32(int32(e.Int)), nil
	case "i64":
		return I64(e.Int), nil
	case "u32":
		return U32(uint32(e.Uint)), nil
	case "u64":
		return U64(e.Uint), nil
	case "f64":
		return F64(e.Float), nil
	case "string":
		return String(e.Str), nil
	case "function":
		return Function(int(e.Int)), nil
	case "array":
		elems := make([]Value, len(e.Elems))
		for i, el := range e.Elems {
			v, err := Decode(el)
			if err != nil {
				return Nil, err
			}
			elems[i] = v
		}
		return NewArray(elems), nil
	}
	return Nil, fmt.Errorf("value: unknown encoded kind %q", e.Kind)
}
