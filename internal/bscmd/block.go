package bscmd

import (
	"errors"
	"fmt"
)

// MaxArgs is the protocol limit on argument words per command.
const MaxArgs = 8

// Type tells whether a block's bulk Data is sent to or received from the
// controller.
type Type uint8

const (
	Write Type = iota
	Read
)

func (t Type) String() string {
	if t == Read {
		return "read"
	}
	return "write"
}

// DataKind selects which data phase a WriteData call belongs to.
type DataKind uint8

const (
	DataArgs DataKind = iota
	DataBulk
)

// Block is one protocol transaction. Blocks are built per call, sent
// synchronously and discarded.
type Block struct {
	Op   Opcode
	Type Type
	// Args are the opcode's argument words, at most MaxArgs.
	Args []uint16
	// Data is the burst payload: written for Write blocks, filled in for
	// Read blocks. Its length is the word count.
	Data []uint16
	// Sub is sent after Args and before Data. Nesting is at most one deep.
	Sub *Block
}

var (
	errTooManyArgs = errors.New("too many argument words")
	errNesting     = errors.New("sub-command nesting deeper than one level")
)

// Validate checks the block shape before anything reaches the bus.
func (b *Block) Validate() error {
	if err := b.validateShape(); err != nil {
		return err
	}
	if b.Sub == nil {
		return nil
	}
	if b.Sub.Sub != nil {
		return fmt.Errorf("%s: %w", b.Op, errNesting)
	}
	return b.Sub.validateShape()
}

func (b *Block) validateShape() error {
	if b.Op.Category() == CategoryInvalid {
		return fmt.Errorf("unknown opcode %s", b.Op)
	}
	if len(b.Args) > MaxArgs || len(b.Args) > b.Op.MaxArgs() {
		return fmt.Errorf("%s: %w (%d)", b.Op, errTooManyArgs, len(b.Args))
	}
	return nil
}

// Cmd builds a write block with the given argument words.
func Cmd(op Opcode, args ...uint16) *Block {
	return &Block{Op: op, Type: Write, Args: args}
}
