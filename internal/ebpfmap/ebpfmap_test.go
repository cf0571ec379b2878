package ebpfmap

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRecord(t *testing.T) {
	raw := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(raw[0:4], 42)
	binary.LittleEndian.PutUint16(raw[4:6], 100)
	raw[6] = 1 // isIPv4
	copy(raw[8:14], []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	ip := [16]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 10, 0, 0, 42}
	copy(raw[14:30], ip[:])

	rec, err := decodeRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), rec.NetworkID)
	assert.Equal(t, uint16(100), rec.VlanID)
	assert.True(t, rec.IsIPv4)
	assert.Equal(t, [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, rec.MAC)
	assert.Equal(t, ip, rec.IP)
}

func TestDecodeRecordRejectsShortInput(t *testing.T) {
	_, err := decodeRecord(make([]byte, recordSize-1))
	assert.Error(t, err)
}

func TestDecodeRecordIsIPv6WhenFlagClear(t *testing.T) {
	raw := make([]byte, recordSize)
	raw[6] = 0
	rec, err := decodeRecord(raw)
	require.NoError(t, err)
	assert.False(t, rec.IsIPv4)
}
