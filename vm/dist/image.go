// Package dist implements the compiled image format. An image is a
// bytecode Program plus the metadata needed to reload it later: a unique
// image id, the format version it was written with and the content digest
// of the typed AST it was compiled from.
package dist

import (
	"errors"
	"fmt"

	"github.com/chazu/strata/compiler/hash"
	"github.com/chazu/strata/pkg/ast"
	"github.com/chazu/strata/pkg/bytecode"
	"github.com/google/uuid"
)

// FormatVersion is the version written into new images.
const FormatVersion = "1.0.0"

// CompatibleRange is the semver constraint an image's format version must
// satisfy to be loaded.
const CompatibleRange = "^1.x"

// ErrIncompatibleImage is returned when an image was written with a format
// version this loader cannot read.
var ErrIncompatibleImage = errors.New("dist: incompatible image")

// Image is a serializable compiled program.
type Image struct {
	ID              uuid.UUID       `cbor:"1,keyasint"`
	FormatVersion   string          `cbor:"2,keyasint"`
	SourceDigest    hash.Digest     `cbor:"3,keyasint"`
	Backend         string          `cbor:"4,keyasint"`
	Entry           int             `cbor:"5,keyasint"`
	ModuleRegisters int             `cbor:"6,keyasint"`
	Functions       []FunctionImage `cbor:"7,keyasint"`
}

// FunctionImage is one compiled function. Chunk holds the output of
// bytecode.Chunk.Serialize.
type FunctionImage struct {
	Name          string                 `cbor:"1,keyasint"`
	NodeID        int                    `cbor:"2,keyasint,omitempty"`
	Arity         int                    `cbor:"3,keyasint"`
	RegisterCount int                    `cbor:"4,keyasint"`
	Upvalues      []bytecode.UpvalueDesc `cbor:"5,keyasint,omitempty"`
	LoopSites     []bytecode.LoopSite    `cbor:"6,keyasint,omitempty"`
	Chunk         []byte                 `cbor:"7,keyasint"`
}

// NewImage packages prog under a fresh image id. digest identifies the
// source the program was compiled from.
func NewImage(prog *bytecode.Program, digest hash.Digest) (*Image, error) {
	if prog == nil || prog.EntryFunction() == nil {
		return nil, errors.New("dist: program has no entry function")
	}
	img := &Image{
		ID:              uuid.New(),
		FormatVersion:   FormatVersion,
		SourceDigest:    digest,
		Backend:         prog.Backend,
		Entry:           prog.Entry,
		ModuleRegisters: prog.ModuleRegisters,
		Functions:       make([]FunctionImage, 0, len(prog.Functions)),
	}
	for i, fn := range prog.Functions {
		if fn == nil || fn.Chunk == nil {
			return nil, fmt.Errorf("dist: function %d has no chunk", i)
		}
		code, err := fn.Chunk.Serialize()
		if err != nil {
			return nil, fmt.Errorf("dist: function %s: %w", fn.Name, err)
		}
		img.Functions = append(img.Functions, FunctionImage{
			Name:          fn.Name,
			NodeID:        fn.NodeID,
			Arity:         fn.Arity,
			RegisterCount: fn.RegisterCount,
			Upvalues:      fn.Upvalues,
			LoopSites:     fn.LoopSites,
			Chunk:         code,
		})
	}
	return img, nil
}

// Program rebuilds the bytecode program held by the image.
func (img *Image) Program() (*bytecode.Program, error) {
	if err := CheckCompatible(img.FormatVersion); err != nil {
		return nil, err
	}
	if img.Entry < 0 || img.Entry >= len(img.Functions) {
		return nil, fmt.Errorf("dist: entry %d out of range (%d functions)", img.Entry, len(img.Functions))
	}
	prog := &bytecode.Program{
		Entry:           img.Entry,
		ModuleRegisters: img.ModuleRegisters,
		Backend:         img.Backend,
		Functions:       make([]*bytecode.Function, len(img.Functions)),
	}
	for i, f := range img.Functions {
		chunk, err := bytecode.Deserialize(f.Chunk)
		if err != nil {
			return nil, fmt.Errorf("dist: function %s: %w", f.Name, err)
		}
		prog.Functions[i] = &bytecode.Function{
			Name:          f.Name,
			NodeID:        f.NodeID,
			Arity:         f.Arity,
			Chunk:         chunk,
			RegisterCount: f.RegisterCount,
			Upvalues:      f.Upvalues,
			LoopSites:     f.LoopSites,
		}
	}
	return prog, nil
}

// Matches reports whether root is the source the image was compiled from.
func (img *Image) Matches(root ast.Node) bool {
	return img.SourceDigest == hash.HashNode(root)
}

// Key is the identifier profile stores use for this image.
func (img *Image) Key() string { return img.ID.String() }
