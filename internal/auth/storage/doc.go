// Package storage defines persistence contracts for identity assets.
//
// These interfaces exist so API handlers and business logic can depend on
// stable domain semantics without coupling to SQLite schema details.
package storage
