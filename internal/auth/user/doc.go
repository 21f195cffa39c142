// Package user defines the account model used as the shared identity anchor.
//
// These utilities normalize and validate identity attributes arriving from
// federated providers before they are persisted or returned to API clients.
package user
