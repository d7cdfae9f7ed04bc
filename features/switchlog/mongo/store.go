// Package mongo wires the switchlog.Log interface to the MongoDB client.
package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "github.com/handoff-ai/switchboard/features/switchlog/mongo/clients/mongo"
	"github.com/handoff-ai/switchboard/runtime/call/switchlog"
)

// Store implements switchlog.Log by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed switch log using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements switchlog.Log.
func (s *Store) Append(ctx context.Context, e *switchlog.Entry) error {
	return s.client.Append(ctx, e)
}

// List implements switchlog.Log.
func (s *Store) List(ctx context.Context, callID string) ([]switchlog.Entry, error) {
	return s.client.List(ctx, callID)
}

// Count implements switchlog.Log.
func (s *Store) Count(ctx context.Context, callID string) (int, error) {
	return s.client.Count(ctx, callID)
}

// ListRange returns the call's entries with a timestamp in [from, to), for
// reporting queries that slice a call's history.
func (s *Store) ListRange(ctx context.Context, callID string, from, to time.Time) ([]switchlog.Entry, error) {
	return s.client.ListRange(ctx, callID, from, to)
}
