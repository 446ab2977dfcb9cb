package router

import "github.com/nozzlecam/camproxy/internal/media"

// WebSocketConsumer is a connected /h264 client. SendAnnexB delivers one
// binary frame of Annex-B NAL data; implementations should treat this as
// best-effort and report failure so the router can drop the client.
type WebSocketConsumer interface {
	ID() string
	SendAnnexB(frame []byte) error
}

// FLVConsumer is a connected /flv client. SendBytes delivers raw FLV tag
// bytes (header, onMetaData, decoder config, or a video tag) in order.
type FLVConsumer interface {
	ID() string
	SendBytes(b []byte) error
}

// MJPEGConsumer is a connected /stream, /mjpeg, or / client.
type MJPEGConsumer interface {
	ID() string
	SendJPEG(frame media.JPEGFrame) error
}
