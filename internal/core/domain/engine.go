package domain

// SessionDescription carries the negotiation blob exchanged through the
// signaling channel as "dtlsParameters".
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type CodecCapability struct {
	Kind        MediaKind `json:"kind"`
	MimeType    string    `json:"mimeType"`
	ClockRate   uint32    `json:"clockRate"`
	Channels    uint16    `json:"channels,omitempty"`
	SDPFmtpLine string    `json:"sdpFmtpLine,omitempty"`
}

type Capabilities struct {
	Codecs []CodecCapability `json:"codecs"`
}

type TransportParams struct {
	ID         TransportID `json:"id"`
	ICEServers []ICEServer `json:"iceServers"`
}

type RTPParameters struct {
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate,omitempty"`
	Channels    uint16 `json:"channels,omitempty"`
	PayloadType uint8  `json:"payloadType,omitempty"`
	SSRC        uint32 `json:"ssrc,omitempty"`
}

type ConsumerParams struct {
	ID            ConsumerID    `json:"id"`
	ProducerID    ProducerID    `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}
