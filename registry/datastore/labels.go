package datastore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/mjl-/bstore"

	"github.com/quay/distribution"
)

// ExpiresAfterLabel sets the expiration of the tag a manifest is pushed
// under.
const ExpiresAfterLabel = "quay.expires-after"

// labelHandler is invoked for a label ingested from a manifest, once the
// manifest's tag is in place.
type labelHandler func(tx *bstore.Tx, value string, tag *Tag) error

var labelHandlers = map[string]labelHandler{
	ExpiresAfterLabel: expiresAfter,
}

var durationPattern = regexp.MustCompile(`^([0-9]+)([smhdw])$`)

// ParseExpiration parses durations such as 30m, 2h, 1d or 2w.
func ParseExpiration(value string) (time.Duration, error) {
	match := durationPattern.FindStringSubmatch(value)
	if match == nil {
		return 0, fmt.Errorf("invalid expiration %q", value)
	}
	n, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid expiration %q: %w", value, err)
	}
	unit := map[string]time.Duration{
		"s": time.Second,
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
		"w": 7 * 24 * time.Hour,
	}[match[2]]
	return time.Duration(n) * unit, nil
}

func expiresAfter(tx *bstore.Tx, value string, tag *Tag) error {
	if tag == nil || tag.Hidden {
		return nil
	}
	d, err := ParseExpiration(value)
	if err != nil {
		// An unparseable value leaves the tag as pushed.
		return nil
	}
	tag.LifetimeEndMs = tag.LifetimeStartMs + d.Milliseconds()
	return tx.Update(tag)
}

// attachLabels stores labels from a manifest's config or annotations on
// manifestID, skipping keys already attached from the manifest.
func attachLabels(tx *bstore.Tx, repositoryID, manifestID int64, labels map[string]string, mediaType string) error {
	current, err := manifestLabels(tx, manifestID)
	if err != nil {
		return err
	}
	existing := map[string]bool{}
	for _, l := range current {
		if l.SourceType == string(distribution.LabelSourceManifest) {
			existing[l.Key] = true
		}
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if existing[k] {
			continue
		}
		l := Label{
			Key:        k,
			Value:      labels[k],
			MediaType:  mediaType,
			SourceType: string(distribution.LabelSourceManifest),
		}
		if err := tx.Insert(&l); err != nil {
			return err
		}
		if err := tx.Insert(&ManifestLabel{RepositoryID: repositoryID, ManifestID: manifestID, LabelID: l.ID}); err != nil {
			return err
		}
	}
	return nil
}

func manifestLabels(tx *bstore.Tx, manifestID int64) ([]Label, error) {
	links, err := bstore.QueryTx[ManifestLabel](tx).FilterNonzero(ManifestLabel{ManifestID: manifestID}).List()
	if err != nil || len(links) == 0 {
		return nil, err
	}
	ids := make([]int64, len(links))
	for i, ml := range links {
		ids[i] = ml.LabelID
	}
	return bstore.QueryTx[Label](tx).FilterIDs(ids).SortAsc("Key").List()
}

// applyLabelHandlers runs the handlers of the labels attached to manifestID
// against tag.
func applyLabelHandlers(tx *bstore.Tx, manifestID int64, tag *Tag) error {
	labels, err := manifestLabels(tx, manifestID)
	if err != nil {
		return err
	}
	for _, l := range labels {
		h, ok := labelHandlers[l.Key]
		if !ok {
			continue
		}
		if err := h(tx, l.Value, tag); err != nil {
			return err
		}
	}
	return nil
}

// ListManifestLabels returns the labels attached to m, sorted by key.
func (s *Store) ListManifestLabels(ctx context.Context, m *distribution.ManifestReference) ([]distribution.Label, error) {
	var out []distribution.Label
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		labels, err := manifestLabels(tx, m.ID)
		for _, l := range labels {
			out = append(out, l.reference())
		}
		return err
	})
	return out, err
}
