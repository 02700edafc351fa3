package mmio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRegion is a plain byte slice standing in for a mmap'd block, so
// these tests never touch /dev/mem.
type fakeRegion struct {
	buf [blockMapSize]byte
}

func (f *fakeRegion) readUint32(off uintptr) uint32 {
	return binary.LittleEndian.Uint32(f.buf[off : off+4])
}

func (f *fakeRegion) writeUint32(off uintptr, v uint32) {
	binary.LittleEndian.PutUint32(f.buf[off:off+4], v)
}

func buildERDTBytes(t *testing.T, maxCLOS uint32, blocks []RegisterBlock, scopes []DeviceScope) []byte {
	t.Helper()
	buf := make([]byte, erdtHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], maxCLOS)

	for _, rb := range blocks {
		payload := make([]byte, 16)
		binary.LittleEndian.PutUint32(payload[0:4], uint32(rb.DomainID))
		binary.LittleEndian.PutUint64(payload[4:12], rb.RegisterBaseAddr)
		binary.LittleEndian.PutUint32(payload[12:16], uint32(rb.NumClasses))

		hdr := make([]byte, 4)
		binary.LittleEndian.PutUint16(hdr[0:2], typeRegisterBlock)
		binary.LittleEndian.PutUint16(hdr[2:4], uint16(4+len(payload)))
		buf = append(buf, hdr...)
		buf = append(buf, payload...)
	}

	for _, ds := range scopes {
		payload := make([]byte, 9)
		binary.LittleEndian.PutUint32(payload[0:4], uint32(ds.DomainID))
		binary.LittleEndian.PutUint16(payload[4:6], ds.Segment)
		binary.LittleEndian.PutUint16(payload[6:8], ds.BDF)
		payload[8] = ds.VC

		hdr := make([]byte, 4)
		binary.LittleEndian.PutUint16(hdr[0:2], typeDeviceScope)
		binary.LittleEndian.PutUint16(hdr[2:4], uint16(4+len(payload)))
		buf = append(buf, hdr...)
		buf = append(buf, payload...)
	}

	return buf
}

func TestParseERDTRoundTrip(t *testing.T) {
	raw := buildERDTBytes(t, 16,
		[]RegisterBlock{{DomainID: 0, RegisterBaseAddr: 0x1000, NumClasses: 16}},
		[]DeviceScope{{DomainID: 0, Segment: 0, BDF: 0x3d00, VC: 0}},
	)

	tbl, err := ParseERDT(raw)
	require.NoError(t, err)
	require.Equal(t, 16, tbl.MaxCLOS)
	require.Len(t, tbl.RegisterBlocks, 1)
	require.Equal(t, uint64(0x1000), tbl.RegisterBlocks[0].RegisterBaseAddr)
	require.Len(t, tbl.DeviceScopes, 1)
}

func TestParseERDTRejectsMisalignedBase(t *testing.T) {
	raw := buildERDTBytes(t, 16, []RegisterBlock{{DomainID: 0, RegisterBaseAddr: 0x1001, NumClasses: 16}}, nil)
	_, err := ParseERDT(raw)
	require.Error(t, err)
	var misErr *ErrMisaligned
	require.ErrorAs(t, err, &misErr)
}

func TestParseERDTToleratesUnknownType(t *testing.T) {
	raw := buildERDTBytes(t, 16, nil, nil)
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint16(hdr[0:2], 9) // unknown type
	binary.LittleEndian.PutUint16(hdr[2:4], 8)
	raw = append(raw, hdr...)
	raw = append(raw, []byte{1, 2, 3, 4}...)

	tbl, err := ParseERDT(raw)
	require.NoError(t, err)
	require.Empty(t, tbl.RegisterBlocks)
}

func TestParseERDTRejectsTruncated(t *testing.T) {
	raw := buildERDTBytes(t, 16, nil, nil)
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint16(hdr[0:2], typeRegisterBlock)
	binary.LittleEndian.PutUint16(hdr[2:4], 40) // claims more than is present
	raw = append(raw, hdr...)

	_, err := ParseERDT(raw)
	require.Error(t, err)
	var truncErr *ErrTruncated
	require.ErrorAs(t, err, &truncErr)
}

func newTestBackend() (*Backend, *fakeRegion) {
	fr := &fakeRegion{}
	table := Table{
		RegisterBlocks: []RegisterBlock{{DomainID: 0, RegisterBaseAddr: 0x1000, NumClasses: 16}},
		DeviceScopes: []DeviceScope{
			{DomainID: 0, Segment: 0, BDF: 0x3d00, VC: 0},
		},
	}
	return newWithAccessors(table, map[int]regAccessor{0: fr}), fr
}

func TestAssociateChannel(t *testing.T) {
	b, fr := newTestBackend()
	require.NoError(t, b.AssociateChannel(0, 3))
	require.Equal(t, uint32(3), fr.readUint32(classTableOffset))
}

func TestAssociateDeviceResolvesChannel(t *testing.T) {
	b, fr := newTestBackend()
	require.NoError(t, b.AssociateDevice("0000:3d:00.0", 0, 5))
	require.Equal(t, uint32(5), fr.readUint32(classTableOffset))
}

func TestAssociateDeviceUnknown(t *testing.T) {
	b, _ := newTestBackend()
	err := b.AssociateDevice("0000:ff:00.0", 0, 5)
	require.Error(t, err)
}

func TestStartStopChannel(t *testing.T) {
	b, fr := newTestBackend()
	require.NoError(t, b.StartChannel(0, 42))
	require.Equal(t, uint32(42), fr.readUint32(rmidTableOffset))

	require.NoError(t, b.StopChannel(0))
	require.Equal(t, uint32(0), fr.readUint32(rmidTableOffset))
}

func TestResetClearsAllChannels(t *testing.T) {
	b, fr := newTestBackend()
	require.NoError(t, b.AssociateChannel(0, 9))
	require.NoError(t, b.StartChannel(0, 9))
	require.NoError(t, b.Reset())
	require.Equal(t, uint32(0), fr.readUint32(classTableOffset))
	require.Equal(t, uint32(0), fr.readUint32(rmidTableOffset))
}

func TestUnsupportedCoreTaskOps(t *testing.T) {
	b, _ := newTestBackend()
	require.Error(t, b.BindCore(0, 0))
	require.Error(t, b.WriteL3Mask(0, 0, 0))
	_, err := b.StartTask(1, 0)
	require.Error(t, err)
}
