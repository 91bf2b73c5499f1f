package webrtc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// SessionIDURI names the RTP header extension that carries the sending
// session's UUID on every audio packet.
const SessionIDURI = "urn:ietf:params:rtp-hdrext:session-id"

// SessionTagger is an interceptor factory. Outgoing audio packets get the
// local session id; the first id seen on each incoming stream is passed to
// OnRemote.
type SessionTagger struct {
	id       []byte // nil disables tagging
	onRemote func(id string)
}

var _ interceptor.Factory = (*SessionTagger)(nil)

// NewSessionTagger creates a tagger for sessionID. An empty id only reads.
func NewSessionTagger(sessionID string, onRemote func(id string)) (*SessionTagger, error) {
	t := &SessionTagger{onRemote: onRemote}
	if sessionID != "" {
		id, err := uuid.Parse(sessionID)
		if err != nil {
			return nil, fmt.Errorf("session id: %w", err)
		}
		t.id = id[:]
	}
	return t, nil
}

// NewInterceptor implements interceptor.Factory.
func (t *SessionTagger) NewInterceptor(string) (interceptor.Interceptor, error) {
	return &sessionInterceptor{tagger: t}, nil
}

type sessionInterceptor struct {
	interceptor.NoOp
	tagger *SessionTagger
}

func (i *sessionInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	id := sessionExtensionID(info)
	if id == 0 || i.tagger.id == nil {
		return writer
	}

	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		if err := header.SetExtension(id, i.tagger.id); err != nil {
			return 0, err
		}
		return writer.Write(header, payload, attributes)
	})
}

func (i *sessionInterceptor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	id := sessionExtensionID(info)
	if id == 0 || i.tagger.onRemote == nil {
		return reader
	}

	var once sync.Once
	return interceptor.RTPReaderFunc(func(b []byte, attributes interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attributes, err := reader.Read(b, attributes)
		if err != nil {
			return n, attributes, err
		}

		var header rtp.Header
		if _, herr := header.Unmarshal(b[:n]); herr == nil {
			if remote, perr := uuid.FromBytes(header.GetExtension(id)); perr == nil {
				once.Do(func() { i.tagger.onRemote(remote.String()) })
			}
		}
		return n, attributes, err
	})
}

// sessionExtensionID returns the negotiated id of the session-id extension,
// or 0 when the stream does not carry it.
func sessionExtensionID(info *interceptor.StreamInfo) uint8 {
	for _, ext := range info.RTPHeaderExtensions {
		if ext.URI == SessionIDURI {
			return uint8(ext.ID)
		}
	}
	return 0
}
