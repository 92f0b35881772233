package accel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	m := NewMap()
	m.SetStr(ParamInputFormat, FormatNV12)
	m.SetIntArr2(ParamInputSize, 640, 480)
	m.SetInt("threads", 2)

	s, err := m.GetStr(ParamInputFormat)
	require.NoError(t, err)
	assert.Equal(t, FormatNV12, s)

	w, h, err := m.GetIntArr2(ParamInputSize)
	require.NoError(t, err)
	assert.Equal(t, int64(640), w)
	assert.Equal(t, int64(480), h)

	_, err = m.GetStr(ParamInputSize)
	assert.Error(t, err, "type mismatch")
	_, _, err = m.GetIntArr2(ParamOutputSize)
	assert.Error(t, err, "missing")

	assert.Equal(t, []string{ParamInputFormat, ParamInputSize, "threads"}, m.Keys())
	assert.Equal(t, "{image.input.format=nv12 image.input.size=[640 480] threads=2}", m.String())

	var nilMap *Map
	_, err = nilMap.GetInt("threads")
	assert.Error(t, err)
	assert.Nil(t, nilMap.Keys())
}

func TestParseDataType(t *testing.T) {
	for d, name := range dataTypeNames {
		if d == DataTypeInvalid {
			continue
		}
		got, err := ParseDataType(name)
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	_, err := ParseDataType("complex64")
	assert.Error(t, err)
	_, err = ParseDataType("invalid")
	assert.Error(t, err)
}

func TestParseLayout(t *testing.T) {
	l, err := ParseLayout("")
	require.NoError(t, err)
	assert.Equal(t, LayoutUnspecified, l)
	l, err = ParseLayout("NHWC")
	require.NoError(t, err)
	assert.Equal(t, LayoutNHWC, l)
	l, err = ParseLayout("nv12")
	require.NoError(t, err)
	assert.Equal(t, Layout420SP, l)
	_, err = ParseLayout("hwc")
	assert.Error(t, err)
}

func TestChipString(t *testing.T) {
	assert.Equal(t, "libyuv", ChipLibYUV.String())
	assert.Equal(t, "TFLite CPU", ChipTFLiteCPU.String())
	assert.Equal(t, "Chip(99)", Chip(99).String())
}
