package realtime

// Frame is one outbound or inbound message on the socket.
type Frame struct {
	Binary bool
	Data   []byte
}

// TextFrame returns a text frame holding s.
func TextFrame(s string) Frame {
	return Frame{Data: []byte(s)}
}

// BinaryFrame returns a binary frame holding b.
func BinaryFrame(b []byte) Frame {
	return Frame{Binary: true, Data: b}
}

// Text returns the payload as a string.
func (f Frame) Text() string {
	return string(f.Data)
}

// heartbeatPayload is both the ping we send and the pong we expect back.
const heartbeatPayload = "{}"

func isHeartbeat(f Frame) bool {
	return !f.Binary && string(f.Data) == heartbeatPayload
}
