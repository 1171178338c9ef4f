package codec

import (
	"fmt"
	"reflect"
)

// EncodeStruct appends v's exported fields in declaration order — the same
// layout a derive-macro-generated Encode impl produces: no field name or
// count is written to the wire, only each field's own encoding back to
// back. v must be a struct or a pointer to one.
func EncodeStruct(buf []byte, v any) []byte {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}

	if rv.Kind() != reflect.Struct {
		panic(fmt.Sprintf("codec: EncodeStruct called with non-struct %T", v))
	}

	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		if rt.Field(i).PkgPath != "" {
			continue // unexported field, nothing a peer could decode anyway
		}

		buf = encodeField(buf, rv.Field(i))
	}

	return buf
}

// DecodeStruct reads fields into out in the same declaration order
// EncodeStruct wrote them in. out must be a non-nil pointer to a struct.
func DecodeStruct(c *Cursor, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		panic(fmt.Sprintf("codec: DecodeStruct called with %T, want non-nil pointer to struct", out))
	}

	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		panic(fmt.Sprintf("codec: DecodeStruct called with pointer to %s, want struct", rv.Kind()))
	}

	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		if rt.Field(i).PkgPath != "" {
			continue
		}

		if err := decodeField(c, rv.Field(i)); err != nil {
			return err
		}
	}

	return nil
}

func encodeField(buf []byte, fv reflect.Value) []byte {
	switch fv.Kind() {
	case reflect.Bool:
		return Bool.Encode(buf, fv.Bool())
	case reflect.Int8:
		return Int8.Encode(buf, int8(fv.Int()))
	case reflect.Int16:
		return Int16.Encode(buf, int16(fv.Int()))
	case reflect.Int32:
		return Int32.Encode(buf, int32(fv.Int()))
	case reflect.Int, reflect.Int64:
		return Int64.Encode(buf, fv.Int())
	case reflect.Uint8:
		return Uint8.Encode(buf, uint8(fv.Uint()))
	case reflect.Uint16:
		return Uint16.Encode(buf, uint16(fv.Uint()))
	case reflect.Uint32:
		return Uint32.Encode(buf, uint32(fv.Uint()))
	case reflect.Uint, reflect.Uint64:
		return Uint64.Encode(buf, fv.Uint())
	case reflect.Float32:
		return Float32.Encode(buf, float32(fv.Float()))
	case reflect.Float64:
		return Float64.Encode(buf, fv.Float())
	case reflect.String:
		return String.Encode(buf, fv.String())
	case reflect.Slice:
		if fv.Type().Elem().Kind() == reflect.Uint8 {
			return Bytes.Encode(buf, fv.Bytes())
		}

		buf = Uint32.Encode(buf, uint32(fv.Len()))
		for i := 0; i < fv.Len(); i++ {
			buf = encodeField(buf, fv.Index(i))
		}

		return buf
	case reflect.Struct:
		return EncodeStruct(buf, fv.Interface())
	case reflect.Pointer:
		if fv.IsNil() {
			return Bool.Encode(buf, false)
		}

		buf = Bool.Encode(buf, true)

		return encodeField(buf, fv.Elem())
	default:
		panic(fmt.Sprintf("codec: EncodeStruct: unsupported field kind %s", fv.Kind()))
	}
}

func decodeField(c *Cursor, fv reflect.Value) error {
	switch fv.Kind() {
	case reflect.Bool:
		v, err := Bool.Decode(c)
		if err != nil {
			return err
		}

		fv.SetBool(v)
	case reflect.Int8:
		v, err := Int8.Decode(c)
		if err != nil {
			return err
		}

		fv.SetInt(int64(v))
	case reflect.Int16:
		v, err := Int16.Decode(c)
		if err != nil {
			return err
		}

		fv.SetInt(int64(v))
	case reflect.Int32:
		v, err := Int32.Decode(c)
		if err != nil {
			return err
		}

		fv.SetInt(int64(v))
	case reflect.Int, reflect.Int64:
		v, err := Int64.Decode(c)
		if err != nil {
			return err
		}

		fv.SetInt(v)
	case reflect.Uint8:
		v, err := Uint8.Decode(c)
		if err != nil {
			return err
		}

		fv.SetUint(uint64(v))
	case reflect.Uint16:
		v, err := Uint16.Decode(c)
		if err != nil {
			return err
		}

		fv.SetUint(uint64(v))
	case reflect.Uint32:
		v, err := Uint32.Decode(c)
		if err != nil {
			return err
		}

		fv.SetUint(uint64(v))
	case reflect.Uint, reflect.Uint64:
		v, err := Uint64.Decode(c)
		if err != nil {
			return err
		}

		fv.SetUint(v)
	case reflect.Float32:
		v, err := Float32.Decode(c)
		if err != nil {
			return err
		}

		fv.SetFloat(float64(v))
	case reflect.Float64:
		v, err := Float64.Decode(c)
		if err != nil {
			return err
		}

		fv.SetFloat(v)
	case reflect.String:
		v, err := String.Decode(c)
		if err != nil {
			return err
		}

		fv.SetString(v)
	case reflect.Slice:
		if fv.Type().Elem().Kind() == reflect.Uint8 {
			v, err := Bytes.Decode(c)
			if err != nil {
				return err
			}

			fv.SetBytes(v)

			return nil
		}

		n, err := Uint32.Decode(c)
		if err != nil {
			return err
		}

		out := reflect.MakeSlice(fv.Type(), int(n), int(n))
		for i := 0; i < int(n); i++ {
			if err := decodeField(c, out.Index(i)); err != nil {
				return err
			}
		}

		fv.Set(out)
	case reflect.Struct:
		ptr := reflect.New(fv.Type())
		if err := DecodeStruct(c, ptr.Interface()); err != nil {
			return err
		}

		fv.Set(ptr.Elem())
	case reflect.Pointer:
		present, err := Bool.Decode(c)
		if err != nil {
			return err
		}

		if !present {
			fv.Set(reflect.Zero(fv.Type()))
			return nil
		}

		ptr := reflect.New(fv.Type().Elem())
		if err := decodeField(c, ptr.Elem()); err != nil {
			return err
		}

		fv.Set(ptr)
	default:
		panic(fmt.Sprintf("codec: DecodeStruct: unsupported field kind %s", fv.Kind()))
	}

	return nil
}
