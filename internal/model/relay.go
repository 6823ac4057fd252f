// Package model defines shared types for the relay.
package model

// Upload is a single audio file received from a client. It lives only for
// the duration of one request and is forwarded byte-for-byte.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Size returns the payload length in bytes.
func (u *Upload) Size() int {
	return len(u.Data)
}

// WebhookResponse is the downstream reply relayed back to the client verbatim.
type WebhookResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// FormField is the multipart field carrying the audio file, both inbound and
// towards the webhook.
const FormField = "audio"

// DefaultContentType is reported when the webhook omits a Content-Type header.
const DefaultContentType = "application/octet-stream"
