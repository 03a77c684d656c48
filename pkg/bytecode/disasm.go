package bytecode

import (
	"fmt"
	"strings"

	"github.com/chazu/strata/pkg/value"
)

// Disassemble returns a human-readable bytecode listing for the chunk.
func (c *Chunk) Disassemble() string {
	return c.DisassembleWithName("")
}

// DisassembleWithName returns a human-readable bytecode listing with a name header.
func (c *Chunk) DisassembleWithName(name string) string {
	var sb strings.Builder
	c.writeHeader(&sb, name)
	c.writeConstants(&sb)
	c.writeCode(&sb, nil)
	return sb.String()
}

// Disassemble returns the listing of a function, including its register
// count, upvalues and the escape masks of its hoisted loop guards.
func (f *Function) Disassemble() string {
	var sb strings.Builder
	f.Chunk.writeHeader(&sb, f.Name)
	sb.WriteString(fmt.Sprintf("; Arity: %d  Registers: %d\n", f.Arity, f.RegisterCount))
	if len(f.Upvalues) > 0 {
		sb.WriteString("; Upvalues:\n")
		for i, uv := range f.Upvalues {
			src := "upvalue"
			if uv.IsLocal {
				src = "local"
			}
			sb.WriteString(fmt.Sprintf(";   [%3d] %s %d\n", i, src, uv.Index))
		}
	}
	if len(f.LoopSites) > 0 {
		sb.WriteString("; Loops:\n")
		for _, site := range f.LoopSites {
			sb.WriteString(fmt.Sprintf(";   site %d node=%d at %04X escape=0x%08X", site.Site, site.NodeID, site.Offset, site.EscapeMask))
			if site.Typed {
				sb.WriteString(" [TYPED]")
			}
			sb.WriteString("\n")
		}
	}
	f.Chunk.writeConstants(&sb)

	marks := make(map[int]LoopSite, len(f.LoopSites))
	for _, site := range f.LoopSites {
		marks[site.Offset] = site
	}
	f.Chunk.writeCode(&sb, marks)
	return sb.String()
}

// Disassemble lists every function of the program, entry first.
func (p *Program) Disassemble() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("; Program: %d functions, %d module registers", len(p.Functions), p.ModuleRegisters))
	if p.Backend != "" {
		sb.WriteString(", backend " + p.Backend)
	}
	sb.WriteString("\n")
	order := make([]int, 0, len(p.Functions))
	if p.EntryFunction() != nil {
		order = append(order, p.Entry)
	}
	for i := range p.Functions {
		if i != p.Entry {
			order = append(order, i)
		}
	}
	for _, i := range order {
		sb.WriteString("\n")
		sb.WriteString(p.Functions[i].Disassemble())
	}
	return sb.String()
}

func (c *Chunk) writeHeader(sb *strings.Builder, name string) {
	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; Strata Bytecode v%d\n", c.Version))
	sb.WriteString(fmt.Sprintf("; Flags: 0x%04X", c.Flags))
	if c.Flags&ChunkFlagDebug != 0 {
		sb.WriteString(" [DEBUG]")
	}
	if c.Flags&ChunkFlagTypedLoops != 0 {
		sb.WriteString(" [TYPED_LOOPS]")
	}
	if c.Flags&ChunkFlagProfiling != 0 {
		sb.WriteString(" [PROFILING]")
	}
	sb.WriteString("\n")
}

func (c *Chunk) writeConstants(sb *strings.Builder) {
	if len(c.Constants) == 0 {
		return
	}
	sb.WriteString("; Constants:\n")
	for i, v := range c.Constants {
		sb.WriteString(fmt.Sprintf(";   [%3d] %s %s\n", i, v.Kind(), constantDisplay(v)))
	}
}

func (c *Chunk) writeCode(sb *strings.Builder, marks map[int]LoopSite) {
	sb.WriteString("\n; Code:\n")
	offset := 0
	for offset < len(c.Code) {
		line, instrLen := c.disassembleInstruction(offset)
		if site, ok := marks[offset]; ok && site.EscapeMask != 0 {
			line += fmt.Sprintf(" ; guards 0x%08X", site.EscapeMask)
		}

		if c.Flags&ChunkFlagDebug != 0 {
			if srcLine, srcCol := c.GetSourceLocation(uint32(offset)); srcLine > 0 {
				sb.WriteString(fmt.Sprintf("%04X  %-40s ; line %d:%d\n", offset, line, srcLine, srcCol))
			} else {
				sb.WriteString(fmt.Sprintf("%04X  %s\n", offset, line))
			}
		} else {
			sb.WriteString(fmt.Sprintf("%04X  %s\n", offset, line))
		}

		if instrLen <= 0 {
			break
		}
		offset += instrLen
	}
}

func constantDisplay(v value.Value) string {
	if v.Kind() == value.KindString {
		s := v.AsString()
		// Truncate long strings for readability
		if len(s) > 40 {
			s = s[:37] + "..."
		}
		return fmt.Sprintf("%q", s)
	}
	s := v.String()
	if len(s) > 40 {
		s = s[:37] + "..."
	}
	return s
}

// disassembleInstruction disassembles a single instruction at the given offset.
// Returns the formatted string and the instruction length.
func (c *Chunk) disassembleInstruction(offset int) (string, int) {
	if offset >= len(c.Code) {
		return "<end of code>", 0
	}

	op := Opcode(c.Code[offset])
	info := GetOpcodeInfo(op)
	instrLen := 1 + info.OperandLen()
	if !op.IsValid() {
		return info.Name, 1
	}
	if offset+instrLen > len(c.Code) {
		return fmt.Sprintf("%s <truncated>", info.Name), len(c.Code) - offset
	}

	operands := make([]string, 0, len(info.Shape))
	var comment string
	pos := offset + 1
	for _, s := range info.Shape {
		switch s {
		case ShapeReg:
			r := c.Code[pos]
			if r == NoRegister {
				operands = append(operands, "_")
			} else {
				operands = append(operands, fmt.Sprintf("r%d", r))
			}
			pos++
		case ShapeByte:
			b := c.Code[pos]
			switch op {
			case OpGuardTyped, OpCast:
				operands = append(operands, NumKind(b).String())
			default:
				operands = append(operands, fmt.Sprintf("%d", b))
			}
			pos++
		case ShapeConst:
			idx := ReadU16(c.Code, pos)
			operands = append(operands, fmt.Sprintf("#%d", idx))
			if int(idx) < len(c.Constants) {
				comment = constantDisplay(c.Constants[idx])
			}
			pos += 2
		case ShapeIndex:
			operands = append(operands, fmt.Sprintf("%d", ReadU16(c.Code, pos)))
			pos += 2
		case ShapeJump:
			delta := int(ReadU16(c.Code, pos))
			target := pos + 2 + delta
			operands = append(operands, fmt.Sprintf("%+d (-> %04X)", delta, target))
			pos += 2
		case ShapeLoop:
			delta := int(ReadU16(c.Code, pos))
			target := pos + 2 - delta
			operands = append(operands, fmt.Sprintf("-%d (-> %04X)", delta, target))
			pos += 2
		case ShapeImm:
			operands = append(operands, fmt.Sprintf("%d", ReadI32(c.Code, pos)))
			pos += 4
		}
	}

	text := info.Name
	if len(operands) > 0 {
		text += " " + strings.Join(operands, ", ")
	}
	if comment != "" {
		text += " ; " + comment
	}
	return text, instrLen
}
