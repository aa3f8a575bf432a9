package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct converts a checkpoint into a protobuf Struct.
// Numbers are carried as doubles, so parameter data round-trips bit for bit.
func ToStruct(checkpoint *Checkpoint) (*structpb.Struct, error) {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint fields: %w", err)
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build checkpoint struct: %w", err)
	}
	return st, nil
}

// FromStruct converts a protobuf Struct produced by ToStruct back into a checkpoint
func FromStruct(st *structpb.Struct) (*Checkpoint, error) {
	data, err := json.Marshal(st.AsMap())
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint fields: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// saveProto saves checkpoint as a serialized protobuf Struct
func (cs *CheckpointSaver) saveProto(checkpoint *Checkpoint, path string) error {
	st, err := ToStruct(checkpoint)
	if err != nil {
		return err
	}

	data, err := proto.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint proto: %w", err)
	}

	return writeFile(path, func(w io.Writer) error {
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("failed to write checkpoint file: %w", err)
		}
		return nil
	})
}

// loadProto loads checkpoint from a serialized protobuf Struct
func (cs *CheckpointSaver) loadProto(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint proto: %w", err)
	}

	return FromStruct(&st)
}
