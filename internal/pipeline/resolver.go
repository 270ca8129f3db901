package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"autoledger/internal/core"
)

// InputResolver dereferences the opaque extraction and intent handles a
// run is started with. Extraction and intent production are external;
// the pipeline only consumes their results.
type InputResolver interface {
	ResolveExtraction(ctx context.Context, ref string) (*core.ExtractionRecord, error)
	ResolveIntent(ctx context.Context, ref string) (*core.IntentRecord, error)
}

// StaticResolver serves records registered up front, for tests and demos.
type StaticResolver struct {
	Extractions map[string]*core.ExtractionRecord
	Intents     map[string]*core.IntentRecord
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		Extractions: make(map[string]*core.ExtractionRecord),
		Intents:     make(map[string]*core.IntentRecord),
	}
}

func (r *StaticResolver) ResolveExtraction(_ context.Context, ref string) (*core.ExtractionRecord, error) {
	e, ok := r.Extractions[ref]
	if !ok {
		return nil, core.E(core.TagNotFound, "extraction %s not found", ref)
	}
	return e, nil
}

func (r *StaticResolver) ResolveIntent(_ context.Context, ref string) (*core.IntentRecord, error) {
	in, ok := r.Intents[ref]
	if !ok {
		return nil, core.E(core.TagNotFound, "intent %s not found", ref)
	}
	return in, nil
}

// FileResolver reads extraction and intent documents as JSON files under a
// directory; the ref is the file name.
type FileResolver struct {
	Dir string
}

func (r FileResolver) ResolveExtraction(_ context.Context, ref string) (*core.ExtractionRecord, error) {
	var rec core.ExtractionRecord
	if err := r.read(ref, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r FileResolver) ResolveIntent(_ context.Context, ref string) (*core.IntentRecord, error) {
	var rec core.IntentRecord
	if err := r.read(ref, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r FileResolver) read(ref string, out any) error {
	path := filepath.Join(r.Dir, filepath.Base(ref))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return core.E(core.TagNotFound, "input document %s not found", ref)
		}
		return fmt.Errorf("read input %s: %w", ref, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return core.E(core.TagInputInvalid, "input document %s: %v", ref, err)
	}
	return nil
}
