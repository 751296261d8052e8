package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/tsawler/go-rendermap/pairstore"
	"github.com/tsawler/go-rendermap/vision/preprocessing"
)

// ErrIndex is returned for sample indices outside [0, Len()).
var ErrIndex = errors.New("sample index out of range")

// ErrEmpty is returned when a profile has no packed pairs.
var ErrEmpty = errors.New("profile has no samples")

// PairSource is the read side of a pair store.
type PairSource interface {
	KeysForProfile(profileID string) []string
	Get(ctx context.Context, key string) (*pairstore.Pair, error)
}

// WindowedDataset exposes one profile's pairs as a fixed-length, randomly
// indexable sequence of cropped and perturbed samples.
type WindowedDataset struct {
	source    PairSource
	profileID string
	keys      []string
	transform *preprocessing.SampleTransform
}

// NewWindowedDataset creates the dataset for profileID over source.
func NewWindowedDataset(source PairSource, profileID string, transform *preprocessing.SampleTransform) (*WindowedDataset, error) {
	if source == nil {
		return nil, fmt.Errorf("pair source cannot be nil")
	}
	if transform == nil {
		return nil, fmt.Errorf("sample transform cannot be nil")
	}
	keys := source.KeysForProfile(profileID)
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, profileID)
	}
	return &WindowedDataset{
		source:    source,
		profileID: profileID,
		keys:      keys,
		transform: transform,
	}, nil
}

// Len returns the number of samples in the dataset
func (d *WindowedDataset) Len() int {
	return len(d.keys)
}

// ProfileID returns the display profile this dataset draws from.
func (d *WindowedDataset) ProfileID() string {
	return d.profileID
}

// Key returns the store key behind sample index.
func (d *WindowedDataset) Key(index int) (string, error) {
	if index < 0 || index >= len(d.keys) {
		return "", fmt.Errorf("%w: %d not in [0, %d)", ErrIndex, index, len(d.keys))
	}
	return d.keys[index], nil
}

// Sample fetches the pair at index and applies the transform with rng. The
// dataset is read-only, so concurrent workers may call Sample freely.
func (d *WindowedDataset) Sample(ctx context.Context, index int, rng *rand.Rand) (*preprocessing.SamplePair, error) {
	key, err := d.Key(index)
	if err != nil {
		return nil, err
	}
	pair, err := d.source.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	sample, err := d.transform.Apply(rng, pair.Raw, pair.Rendered)
	if err != nil {
		return nil, fmt.Errorf("failed to transform %s: %w", key, err)
	}
	return sample, nil
}

// Subset creates a dataset restricted to the given sample indices
func (d *WindowedDataset) Subset(indices []int) (*WindowedDataset, error) {
	keys := make([]string, len(indices))
	for i, idx := range indices {
		k, err := d.Key(idx)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return &WindowedDataset{
		source:    d.source,
		profileID: d.profileID,
		keys:      keys,
		transform: d.transform,
	}, nil
}

// String returns a string representation of the dataset
func (d *WindowedDataset) String() string {
	return fmt.Sprintf("WindowedDataset: %s, %d samples, crop %d", d.profileID, len(d.keys), d.transform.CropSize)
}
