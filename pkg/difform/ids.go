package difform

import (
	"fmt"

	"github.com/orneryd/difform/pkg/config"
	"github.com/orneryd/difform/pkg/storage"
)

// reservedKeys are attributes the logger sets itself. Caller metadata may not
// silently replace them.
var reservedKeys = map[string]struct{}{
	"type":        {},
	"created":     {},
	"alias":       {},
	"parent":      {},
	"batch_index": {},
	"path":        {},
	"sample_rate": {},
	"model_name":  {},
	"checksum":    {},
	"channels":    {},
	"frames":      {},
}

// namespacePrefix is prepended to reserved keys under MetadataNamespace.
const namespacePrefix = "meta_"

// samplePrefix is shared by the batch and all of its samples.
func samplePrefix(model string, seed, created int64) string {
	return fmt.Sprintf("%s_%d_%d", model, seed, created)
}

func batchID(prefix string) string {
	return "batch_" + prefix
}

// sampleID numbers samples from 1.
func sampleID(prefix string, index int) string {
	return fmt.Sprintf("sample_%s_%d", prefix, index)
}

// batchAlias is the first three characters of the model name and the last
// ten of the batch identifier, e.g. "m1_1700000000".
func batchAlias(model, batch string) string {
	return head(model, 3) + "_" + tail(batch, 10)
}

func sampleAlias(model, batch string, index int) string {
	return fmt.Sprintf("%s_%d", batchAlias(model, batch), index)
}

// head and tail slice by character, not byte.
func head(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// metadataAttributes converts caller metadata and applies the reserved-key
// policy. reserved is the set of keys the caller may not use directly.
// Callers merge the result after the fixed attributes, so under
// MetadataOverwrite the caller's value wins.
func metadataAttributes(meta map[string]any, policy config.MetadataPolicy, reserved map[string]struct{}) (storage.Attributes, error) {
	attrs, err := storage.AttributesOf(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if policy == config.MetadataOverwrite {
		return attrs, nil
	}
	for _, k := range attrs.Keys() {
		if _, ok := reserved[k]; !ok {
			continue
		}
		switch policy {
		case config.MetadataNamespace:
			nk := namespacePrefix + k
			if _, taken := attrs[nk]; taken {
				return nil, fmt.Errorf("%w: %q and %q both given", ErrReservedKey, k, nk)
			}
			attrs[nk] = attrs[k]
			delete(attrs, k)
		default:
			return nil, fmt.Errorf("%w: %q", ErrReservedKey, k)
		}
	}
	return attrs, nil
}
