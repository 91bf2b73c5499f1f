package webrtc

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionStream(extID int) *interceptor.StreamInfo {
	return &interceptor.StreamInfo{
		MimeType:            "audio/opus",
		RTPHeaderExtensions: []interceptor.RTPHeaderExtension{{URI: SessionIDURI, ID: extID}},
	}
}

func TestSessionTaggerStampsOutgoingPackets(t *testing.T) {
	id := uuid.New()
	tagger, err := NewSessionTagger(id.String(), nil)
	require.NoError(t, err)
	i, err := tagger.NewInterceptor("")
	require.NoError(t, err)

	var written *rtp.Header
	sink := interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
		written = header
		return len(payload), nil
	})

	_, err = i.BindLocalStream(sessionStream(3), sink).Write(&rtp.Header{Version: 2}, []byte{0xf8}, nil)
	require.NoError(t, err)
	require.NotNil(t, written)
	assert.Equal(t, id[:], written.GetExtension(3))

	// Not negotiated: packets pass through untouched.
	_, err = i.BindLocalStream(&interceptor.StreamInfo{}, sink).Write(&rtp.Header{Version: 2}, nil, nil)
	require.NoError(t, err)
	assert.False(t, written.Extension)
}

func TestSessionTaggerReportsRemoteSession(t *testing.T) {
	id := uuid.New()
	pkt := rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 7}, Payload: []byte{0xf8}}
	require.NoError(t, pkt.Header.SetExtension(4, id[:]))
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	var seen []string
	tagger, err := NewSessionTagger("", func(remote string) { seen = append(seen, remote) })
	require.NoError(t, err)
	i, err := tagger.NewInterceptor("")
	require.NoError(t, err)

	source := interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		return copy(b, raw), a, nil
	})
	reader := i.BindRemoteStream(sessionStream(4), source)

	buf := make([]byte, 1500)
	for n := 0; n < 3; n++ {
		got, _, err := reader.Read(buf, nil)
		require.NoError(t, err)
		assert.Equal(t, len(raw), got)
	}
	assert.Equal(t, []string{id.String()}, seen, "reported once per stream")
}

func TestSessionTaggerRejectsBadID(t *testing.T) {
	_, err := NewSessionTagger("not-a-uuid", nil)
	assert.Error(t, err)
}
