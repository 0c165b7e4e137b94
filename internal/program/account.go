package program

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Status is the on-chain escrow status byte.
type Status uint8

const (
	StatusActive    Status = 0
	StatusCompleted Status = 1
	StatusCancelled Status = 2
	StatusExpired   Status = 3
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// IsTerminal reports whether no further lifecycle action except close applies.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// Valid reports whether s is one of the four known values.
func (s Status) Valid() bool {
	return s <= StatusExpired
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("program: unknown escrow status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus maps a status name back to its byte.
func ParseStatus(name string) (Status, error) {
	switch name {
	case "active":
		return StatusActive, nil
	case "completed":
		return StatusCompleted, nil
	case "cancelled":
		return StatusCancelled, nil
	case "expired":
		return StatusExpired, nil
	}
	return 0, fmt.Errorf("program: unknown escrow status %q", name)
}

// EscrowAccount is the decoded escrow account.
type EscrowAccount struct {
	Renter    solana.PublicKey
	Operator  solana.PublicKey
	RobotID   string
	Amount    uint64
	CreatedAt int64
	ExpiresAt int64
	Status    Status
	Bump      uint8
}

// AccountDiscriminatorSize is the tag prefix on every program account.
const AccountDiscriminatorSize = 8

// MinEscrowAccountSize is the encoded size with an empty robot id.
const MinEscrowAccountSize = AccountDiscriminatorSize + 32 + 32 + 4 + 8 + 8 + 8 + 1 + 1

var (
	ErrAccountTooShort      = errors.New("program: escrow account data truncated")
	ErrAccountDiscriminator = errors.New("program: not an escrow account")
	ErrAccountStatus        = errors.New("program: escrow account has unknown status")
	ErrAccountRobotID       = errors.New("program: escrow account robot id malformed")
)

var escrowAccountTag = func() [8]byte {
	var d [8]byte
	sum := sha256.Sum256([]byte("account:Escrow"))
	copy(d[:], sum[:8])
	return d
}()

// EscrowAccountDiscriminator is the tag that prefixes escrow account data.
func EscrowAccountDiscriminator() [8]byte {
	return escrowAccountTag
}

// DecodeEscrowAccount parses raw account data. Any input that cannot be read
// exactly as an escrow account returns an error; nothing is guessed.
func DecodeEscrowAccount(data []byte) (*EscrowAccount, error) {
	if len(data) < MinEscrowAccountSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrAccountTooShort, len(data))
	}
	if !bytes.Equal(data[:AccountDiscriminatorSize], escrowAccountTag[:]) {
		return nil, ErrAccountDiscriminator
	}

	dec := bin.NewBorshDecoder(data[AccountDiscriminatorSize:])
	acct := &EscrowAccount{}

	renter, err := dec.ReadNBytes(32)
	if err != nil {
		return nil, fmt.Errorf("%w: renter", ErrAccountTooShort)
	}
	acct.Renter = solana.PublicKeyFromBytes(renter)

	operator, err := dec.ReadNBytes(32)
	if err != nil {
		return nil, fmt.Errorf("%w: operator", ErrAccountTooShort)
	}
	acct.Operator = solana.PublicKeyFromBytes(operator)

	idLen, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("%w: robot id length", ErrAccountTooShort)
	}
	if idLen > MaxRobotIDLen {
		return nil, fmt.Errorf("%w: length %d", ErrAccountRobotID, idLen)
	}
	if int(idLen) > dec.Remaining() {
		return nil, fmt.Errorf("%w: robot id", ErrAccountTooShort)
	}
	id, err := dec.ReadNBytes(int(idLen))
	if err != nil {
		return nil, fmt.Errorf("%w: robot id", ErrAccountTooShort)
	}
	if !utf8.Valid(id) {
		return nil, fmt.Errorf("%w: not utf-8", ErrAccountRobotID)
	}
	acct.RobotID = string(id)

	if acct.Amount, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("%w: amount", ErrAccountTooShort)
	}
	if acct.CreatedAt, err = dec.ReadInt64(binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("%w: created_at", ErrAccountTooShort)
	}
	if acct.ExpiresAt, err = dec.ReadInt64(binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("%w: expires_at", ErrAccountTooShort)
	}
	status, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: status", ErrAccountTooShort)
	}
	acct.Status = Status(status)
	if !acct.Status.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrAccountStatus, status)
	}
	if acct.Bump, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("%w: bump", ErrAccountTooShort)
	}
	return acct, nil
}

// EncodeEscrowAccount writes acct in the on-chain layout, discriminator included.
func EncodeEscrowAccount(acct *EscrowAccount) ([]byte, error) {
	if len(acct.RobotID) > MaxRobotIDLen {
		return nil, ErrInvalidRobotID
	}
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)

	writes := []func() error{
		func() error { return enc.WriteBytes(escrowAccountTag[:], false) },
		func() error { return enc.WriteBytes(acct.Renter.Bytes(), false) },
		func() error { return enc.WriteBytes(acct.Operator.Bytes(), false) },
		func() error { return enc.WriteUint32(uint32(len(acct.RobotID)), binary.LittleEndian) },
		func() error { return enc.WriteBytes([]byte(acct.RobotID), false) },
		func() error { return enc.WriteUint64(acct.Amount, binary.LittleEndian) },
		func() error { return enc.WriteInt64(acct.CreatedAt, binary.LittleEndian) },
		func() error { return enc.WriteInt64(acct.ExpiresAt, binary.LittleEndian) },
		func() error { return enc.WriteUint8(uint8(acct.Status)) },
		func() error { return enc.WriteUint8(acct.Bump) },
	}
	for _, w := range writes {
		if err := w(); err != nil {
			return nil, fmt.Errorf("encode escrow account: %w", err)
		}
	}
	return buf.Bytes(), nil
}
