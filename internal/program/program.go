// Package program encodes instructions for the deployed rental escrow program
// and decodes its escrow account layout.
//
// The wire format is fixed by the on-chain program:
//   - every instruction starts with an 8-byte discriminator, the first 8 bytes
//     of sha256("global:" + name)
//   - arguments follow positionally: strings are a 4-byte little-endian length
//     plus UTF-8 bytes, integers are little-endian
//   - each escrow lives at the program address derived from
//     ("escrow", renter, operator, robotID)
package program

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Instruction names as declared by the program.
const (
	InstructionCreateRental   = "create_rental"
	InstructionCompleteRental = "complete_rental"
	InstructionCancelRental   = "cancel_rental"
	InstructionClaimExpired   = "claim_expired"
	InstructionCloseEscrow    = "close_escrow"
)

// EscrowSeed is the literal first seed of every escrow address.
const EscrowSeed = "escrow"

// MaxRobotIDLen is the longest robot id the program accepts (one PDA seed).
const MaxRobotIDLen = 32

var (
	ErrInvalidRobotID   = errors.New("program: robot id must be 1-32 bytes")
	ErrInvalidProgramID = errors.New("program: program id not configured")
)

var discriminators sync.Map // name -> [8]byte

// Discriminator returns the 8-byte tag that selects the named instruction.
func Discriminator(name string) [8]byte {
	if v, ok := discriminators.Load(name); ok {
		return v.([8]byte)
	}
	var d [8]byte
	sum := sha256.Sum256([]byte("global:" + name))
	copy(d[:], sum[:8])
	discriminators.Store(name, d)
	return d
}

// CompactRobotID normalizes a robot identifier into a derivation seed.
// Non-alphanumeric characters are stripped; if nothing is left the trimmed
// raw string is used instead. The result is cut to 32 bytes on a rune
// boundary. CompactRobotID(CompactRobotID(x)) == CompactRobotID(x).
func CompactRobotID(raw string) string {
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
		}
	}
	out := b.String()
	if out == "" {
		return strings.TrimSpace(truncateRunes(strings.TrimSpace(raw), MaxRobotIDLen))
	}
	if len(out) > MaxRobotIDLen {
		out = out[:MaxRobotIDLen]
	}
	return out
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := 0
	for cut < len(s) {
		_, size := utf8.DecodeRuneInString(s[cut:])
		if cut+size > max {
			break
		}
		cut += size
	}
	return s[:cut]
}

// DeriveEscrowAddress returns the escrow account address and bump for a rental.
// robotID must already be compacted.
func DeriveEscrowAddress(programID, renter, operator solana.PublicKey, robotID string) (solana.PublicKey, uint8, error) {
	if programID.IsZero() {
		return solana.PublicKey{}, 0, ErrInvalidProgramID
	}
	if robotID == "" || len(robotID) > MaxRobotIDLen {
		return solana.PublicKey{}, 0, ErrInvalidRobotID
	}
	return solana.FindProgramAddress([][]byte{
		[]byte(EscrowSeed),
		renter.Bytes(),
		operator.Bytes(),
		[]byte(robotID),
	}, programID)
}

// Program builds instructions addressed to one deployed escrow program.
type Program struct {
	ID solana.PublicKey
}

// New returns a Program for the given id.
func New(id solana.PublicKey) Program {
	return Program{ID: id}
}

// DeriveEscrowAddress derives the escrow address under this program.
func (p Program) DeriveEscrowAddress(renter, operator solana.PublicKey, robotID string) (solana.PublicKey, uint8, error) {
	return DeriveEscrowAddress(p.ID, renter, operator, robotID)
}

// CreateRental builds create_rental(robot_id, amount, rental_duration_hours).
func (p Program) CreateRental(renter, operator solana.PublicKey, robotID string, amount, durationHours uint64) (solana.Instruction, solana.PublicKey, error) {
	escrow, _, err := p.DeriveEscrowAddress(renter, operator, robotID)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}

	data, err := encodeArgs(InstructionCreateRental, func(enc *bin.Encoder) error {
		if err := enc.WriteUint32(uint32(len(robotID)), binary.LittleEndian); err != nil {
			return err
		}
		if err := enc.WriteBytes([]byte(robotID), false); err != nil {
			return err
		}
		if err := enc.WriteUint64(amount, binary.LittleEndian); err != nil {
			return err
		}
		return enc.WriteUint64(durationHours, binary.LittleEndian)
	})
	if err != nil {
		return nil, solana.PublicKey{}, err
	}

	return solana.NewInstruction(p.ID, solana.AccountMetaSlice{
		solana.NewAccountMeta(renter, true, true),
		solana.NewAccountMeta(operator, false, false),
		solana.NewAccountMeta(escrow, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), escrow, nil
}

// CompleteRental builds complete_rental. platform receives the fee.
func (p Program) CompleteRental(renter, operator, escrow, platform solana.PublicKey) (solana.Instruction, error) {
	data, err := encodeArgs(InstructionCompleteRental, nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(p.ID, solana.AccountMetaSlice{
		solana.NewAccountMeta(renter, true, true),
		solana.NewAccountMeta(operator, true, false),
		solana.NewAccountMeta(escrow, true, false),
		solana.NewAccountMeta(platform, true, false),
	}, data), nil
}

// CancelRental builds cancel_rental. signer may be the renter or the operator.
func (p Program) CancelRental(signer, renter, escrow solana.PublicKey) (solana.Instruction, error) {
	data, err := encodeArgs(InstructionCancelRental, nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(p.ID, solana.AccountMetaSlice{
		solana.NewAccountMeta(signer, false, true),
		solana.NewAccountMeta(renter, true, false),
		solana.NewAccountMeta(escrow, true, false),
	}, data), nil
}

// ClaimExpired builds claim_expired.
func (p Program) ClaimExpired(operator, escrow solana.PublicKey) (solana.Instruction, error) {
	data, err := encodeArgs(InstructionClaimExpired, nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(p.ID, solana.AccountMetaSlice{
		solana.NewAccountMeta(operator, true, true),
		solana.NewAccountMeta(escrow, true, false),
	}, data), nil
}

// CloseEscrow builds close_escrow. Rent goes back to the renter.
func (p Program) CloseEscrow(renter, escrow solana.PublicKey) (solana.Instruction, error) {
	data, err := encodeArgs(InstructionCloseEscrow, nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(p.ID, solana.AccountMetaSlice{
		solana.NewAccountMeta(renter, true, true),
		solana.NewAccountMeta(escrow, true, false),
	}, data), nil
}

func encodeArgs(name string, args func(enc *bin.Encoder) error) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	d := Discriminator(name)
	if err := enc.WriteBytes(d[:], false); err != nil {
		return nil, fmt.Errorf("encode %s discriminator: %w", name, err)
	}
	if args != nil {
		if err := args(enc); err != nil {
			return nil, fmt.Errorf("encode %s args: %w", name, err)
		}
	}
	return buf.Bytes(), nil
}
