// Package transport carries remote snapshot batches into the reconcilers.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/koenji/internal/documents"
	"github.com/MarcoPoloResearchLab/koenji/internal/reconcile"
)

var ErrRemoteFailure = errors.New("transport: remote listener reported an error")

// Envelope is the wire form of one delivery. A non-empty Error replaces the batch.
type Envelope struct {
	Sequence  uint64           `json:"sequence"`
	Error     string           `json:"error,omitempty"`
	Documents []map[string]any `json:"documents"`
}

// ParseEnvelope decodes payload keeping numbers as json.Number so integer fields
// survive without float rounding.
func ParseEnvelope(payload []byte) (Envelope, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var envelope Envelope
	if err := decoder.Decode(&envelope); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	return envelope, nil
}

// Batch converts the envelope's documents.
func (e Envelope) Batch() reconcile.Batch {
	docs := make([]documents.Document, 0, len(e.Documents))
	for _, doc := range e.Documents {
		docs = append(docs, documents.Document(doc))
	}
	return reconcile.Batch{Sequence: e.Sequence, Documents: docs}
}

// Dispatch routes one payload for collection to its sink. Malformed payloads and
// remote errors reach the sink as transport errors; only routing and queueing
// failures are returned.
func Dispatch(ctx context.Context, registry *reconcile.Registry, collection string, payload []byte) error {
	sink, err := registry.Lookup(collection)
	if err != nil {
		return err
	}
	envelope, err := ParseEnvelope(payload)
	if err != nil {
		sink.OnError(&reconcile.TransportError{Collection: collection, Err: err})
		return nil
	}
	if envelope.Error != "" {
		sink.OnError(&reconcile.TransportError{
			Collection: collection,
			Err:        fmt.Errorf("%w: %s", ErrRemoteFailure, envelope.Error),
		})
		return nil
	}
	return sink.OnSnapshot(ctx, envelope.Batch())
}
