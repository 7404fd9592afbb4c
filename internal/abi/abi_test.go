package abi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceMemory []byte

func (m sliceMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(m)) {
		return nil, false
	}
	return m[offset:end], true
}

func (m sliceMemory) Write(offset uint32, v []byte) bool {
	end := uint64(offset) + uint64(len(v))
	if end > uint64(len(m)) {
		return false
	}
	copy(m[offset:], v)
	return true
}

func TestPackPtrLen(t *testing.T) {
	ptr := uint32(0x12345678)
	length := uint32(0xABCDEF00)

	packed, err := PackPtrLen(ptr, length)
	require.NoError(t, err)
	assert.Equal(t, (uint64(ptr)<<32)|uint64(length), packed)

	p, l, err := UnpackPtrLen(packed)
	require.NoError(t, err)
	assert.Equal(t, ptr, p)
	assert.Equal(t, length, l)
}

func TestPackPtrLen_NullPointer(t *testing.T) {
	_, err := PackPtrLen(0, 100)
	assert.ErrorIs(t, err, ErrNullPointer)

	_, _, err = UnpackPtrLen(uint64(1))
	assert.ErrorIs(t, err, ErrNullPointer)

	packed, err := PackPtrLen(0, 0)
	require.NoError(t, err)
	assert.Zero(t, packed)
}

func TestReadWriteBytes(t *testing.T) {
	mem := make(sliceMemory, 64)
	require.NoError(t, WriteBytes(mem, 8, []byte("hello world")))

	packed, err := PackPtrLen(8, 11)
	require.NoError(t, err)
	data, err := ReadBytes(mem, packed)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	// The returned slice is a copy.
	data[0] = 'H'
	assert.Equal(t, byte('h'), mem[8])

	packed, err = PackPtrLen(60, 10)
	require.NoError(t, err)
	_, err = ReadBytes(mem, packed)
	assert.Error(t, err)
	assert.Error(t, WriteBytes(mem, 60, []byte("0123456789")))
}
