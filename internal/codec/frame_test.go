package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knirvcorp/syncore/internal/wire"
)

func sampleSyncRequest() wire.Message {
	return wire.Message{
		Type: wire.TypeSyncRequest,
		SyncRequest: &wire.SyncRequest{
			DocID:            "doc-1",
			RequesterVersion: []byte{1, 2, 3},
			Bidirectional:    true,
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := sampleSyncRequest()
	frame, err := EncodeFrame(msg)
	require.NoError(t, err)

	got, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, msg.SyncRequest.DocID, got[0].SyncRequest.DocID)
	assert.Equal(t, msg.SyncRequest.RequesterVersion, got[0].SyncRequest.RequesterVersion)
	assert.True(t, got[0].SyncRequest.Bidirectional)
}

func TestEncodeDecodeBatchRoundTrip(t *testing.T) {
	msgs := []wire.Message{
		sampleSyncRequest(),
		{Type: wire.TypeDirectoryRequest, DirectoryRequest: &wire.DirectoryRequest{}},
	}
	frame, err := EncodeBatchFrame(msgs)
	require.NoError(t, err)

	got, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestNestedBatchIsFlattened(t *testing.T) {
	inner := wire.Message{Type: wire.TypeBatch, Batch: &wire.Batch{Messages: []wire.Message{sampleSyncRequest()}}}
	frame, err := EncodeFrame(inner)
	require.NoError(t, err)

	got, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, wire.TypeSyncRequest, got[0].Type)
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	frame, _ := EncodeFrame(sampleSyncRequest())
	frame[0] = 1
	_, err := DecodeFrame(frame)
	assertKind(t, err, UnsupportedVersion)
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	frame, _ := EncodeFrame(sampleSyncRequest())
	_, err := DecodeFrame(frame[:len(frame)-1])
	assertKind(t, err, TruncatedFrame)
}

func TestDecodeRejectsDeclaredLengthZero(t *testing.T) {
	frame, _ := EncodeFrame(sampleSyncRequest())
	frame[2], frame[3], frame[4], frame[5] = 0, 0, 0, 0
	_, err := DecodeFrame(frame[:headerSize])
	assertKind(t, err, InvalidCBOR)
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	_, err := DecodeFrame([]byte{2, 0, 0})
	assertKind(t, err, TruncatedFrame)
}

func TestDecodeToleratesAliasedBuffer(t *testing.T) {
	big := make([]byte, 0, 4096)
	frame, _ := EncodeFrame(sampleSyncRequest())
	big = append(big, frame...)
	aliased := big[:len(frame):len(frame)]

	got, err := DecodeFrame(aliased)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func assertKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, want, de.Kind)
}
