// Package store persists conversation history for the ingest pipeline.
//
// Each coalesced inbound turn and each outbound reply is one Message row.
// Outbound rows carry the provider message ID returned on send, so delivery
// status webhooks can advance them through sent, delivered, read or failed.
//
// SQLiteStore uses modernc.org/sqlite in WAL mode and creates its schema on
// open; columns added later are applied as migrations. MockStore is an
// in-memory implementation for tests.
package store
