package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		description string
		value       Value
	}{
		{"int", Int(42)},
		{"negative int", Int(-17)},
		{"zero", Int(0)},
		{"empty string", String("")},
		{"binary string", String{0x00, 0xff, 0x80, 0x7f}},
		{"empty list", List{}},
		{"empty dict", Dict{}},
		{"nested", Dict{
			"announce": String("http://tracker.example.com/announce"),
			"info": Dict{
				"name":         String("blob"),
				"piece length": Int(262144),
				"pieces":       String{0xde, 0xad, 0xbe, 0xef},
			},
			"url-list": List{String("http://a"), String("http://b")},
		}},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			require := require.New(t)
			decoded, err := Decode(Encode(test.value))
			require.NoError(err)
			require.Equal(test.value, decoded)
		})
	}
}

func TestEncodeDictKeyOrder(t *testing.T) {
	require := require.New(t)

	d := Dict{"zz": Int(1), "aa": Int(2), "mm": Int(3)}
	require.Equal("d2:aai2e2:mmi3e2:zzi1ee", string(Encode(d)))
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		description string
		input       string
	}{
		{"empty", ""},
		{"unterminated int", "i42"},
		{"empty int", "ie"},
		{"leading zero", "i042e"},
		{"negative zero", "i-0e"},
		{"string length overrun", "10:abc"},
		{"unterminated list", "li1e"},
		{"unterminated dict", "d3:fooi1e"},
		{"non-string dict key", "di1ei2ee"},
		{"trailing bytes", "i1ejunk"},
		{"unknown type", "x"},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			_, err := Decode([]byte(test.input))
			require.Error(t, err)
			require.True(t, IsInvalidFormat(err))
		})
	}
}

func TestDecodePrefix(t *testing.T) {
	require := require.New(t)

	v, n, err := DecodePrefix([]byte("d1:mi1eetrailer"))
	require.NoError(err)
	require.Equal(8, n)
	require.Equal(Dict{"m": Int(1)}, v)
}

func TestRawField(t *testing.T) {
	require := require.New(t)

	data := Encode(Dict{
		"announce": String("http://t"),
		"info":     Dict{"name": String("x"), "length": Int(4)},
	})
	raw, err := RawField(data, "info")
	require.NoError(err)
	require.Equal(Encode(Dict{"name": String("x"), "length": Int(4)}), raw)

	_, err = RawField(data, "nope")
	require.Error(err)
}
