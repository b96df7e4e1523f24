package difform

import (
	"context"
	"fmt"

	"github.com/orneryd/difform/pkg/storage"
)

// ModelEvent registers a generative model.
type ModelEvent struct {
	// Name is the node identifier and the name inference events refer to.
	Name string `json:"model_name"`

	// Alias is a display name. Defaults to Name.
	Alias string `json:"alias,omitempty"`

	// Metadata is stored on the model node.
	Metadata map[string]any `json:"metadata,omitempty"`
}

var modelReservedKeys = map[string]struct{}{
	"type":    {},
	"created": {},
	"alias":   {},
}

// ImportModel upserts the model node for ev.Name with type "model", its
// alias, a "created" timestamp and the caller's metadata.
//
// Importing the same model again merges the new attributes over the old
// ones, so "created" reflects the most recent import.
func (d *DKG) ImportModel(ctx context.Context, ev ModelEvent) error {
	err := d.importModel(ctx, ev)
	d.recordModel(ev, err)
	return err
}

func (d *DKG) importModel(ctx context.Context, ev ModelEvent) error {
	if ev.Name == "" {
		return fmt.Errorf("%w: model name is required", ErrInvalidEvent)
	}
	meta, err := metadataAttributes(ev.Metadata, d.cfg.MetadataPolicy, modelReservedKeys)
	if err != nil {
		return err
	}
	alias := ev.Alias
	if alias == "" {
		alias = ev.Name
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	created := d.now().Unix()
	attrs := storage.Attributes{
		"type":    storage.String(TypeModel),
		"alias":   storage.String(alias),
		"created": storage.Int(created),
	}
	attrs.Merge(meta)

	if err := d.engine.UpsertNode(storage.NodeID(ev.Name), attrs); err != nil {
		return fmt.Errorf("import model %q: %w", ev.Name, err)
	}
	d.log.Info("model imported", "model", ev.Name, "alias", alias)
	return nil
}
