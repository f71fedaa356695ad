// Package provider is the WhatsApp Graph API client: media metadata, media
// downloads and outbound text messages. Non-2xx responses surface as
// *StatusError, and a 404 matches ErrNotFound.
package provider
