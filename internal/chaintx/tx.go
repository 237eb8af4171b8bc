// Package chaintx builds and signs chain transactions in the legacy wire
// format: a compact-array of ed25519 signatures followed by a message
// holding the account table, blockhash and compiled instructions.
package chaintx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/whalevault/relay/internal/chainkey"
)

var (
	ErrInvalidTx      = errors.New("chaintx: invalid transaction")
	ErrInvalidMessage = errors.New("chaintx: invalid message")
)

// AccountMeta describes how an instruction references an account.
type AccountMeta struct {
	Address    chainkey.Address
	IsSigner   bool
	IsWritable bool
}

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID chainkey.Address
	Accounts  []AccountMeta
	Data      []byte
}

// Message is a compiled transaction message ready for signing.
type Message struct {
	numRequiredSignatures byte
	numReadonlySigned     byte
	numReadonlyUnsigned   byte
	accounts              []chainkey.Address
	recentBlockhash       [32]byte
	compiledInstructions  []compiledInstruction
}

type compiledInstruction struct {
	programIDIndex byte
	accountIndexes []byte
	data           []byte
}

type accountFlags struct {
	signer   bool
	writable bool
}

// NewMessage compiles instructions into a message. The payer becomes the
// first account and the fee payer; account ordering follows the wire
// format's signer/writable partitioning.
func NewMessage(payer chainkey.Address, instructions []Instruction, recentBlockhash [32]byte) (Message, error) {
	if payer.IsZero() {
		return Message{}, fmt.Errorf("%w: zero payer", ErrInvalidMessage)
	}
	if len(instructions) == 0 {
		return Message{}, fmt.Errorf("%w: no instructions", ErrInvalidMessage)
	}

	flags := map[chainkey.Address]accountFlags{
		payer: {signer: true, writable: true},
	}
	order := []chainkey.Address{payer}
	touch := func(addr chainkey.Address, f accountFlags) {
		cur, ok := flags[addr]
		if !ok {
			order = append(order, addr)
		}
		cur.signer = cur.signer || f.signer
		cur.writable = cur.writable || f.writable
		flags[addr] = cur
	}
	for _, ix := range instructions {
		if ix.ProgramID.IsZero() {
			return Message{}, fmt.Errorf("%w: zero program id", ErrInvalidMessage)
		}
		for _, m := range ix.Accounts {
			touch(m.Address, accountFlags{signer: m.IsSigner, writable: m.IsWritable})
		}
		touch(ix.ProgramID, accountFlags{})
	}

	// Partition: writable signers, readonly signers, writable non-signers,
	// readonly non-signers. The payer stays first inside the first group.
	var group [4][]chainkey.Address
	for _, addr := range order {
		f := flags[addr]
		switch {
		case f.signer && f.writable:
			group[0] = append(group[0], addr)
		case f.signer:
			group[1] = append(group[1], addr)
		case f.writable:
			group[2] = append(group[2], addr)
		default:
			group[3] = append(group[3], addr)
		}
	}

	accounts := make([]chainkey.Address, 0, len(order))
	for _, g := range group {
		accounts = append(accounts, g...)
	}
	index := make(map[chainkey.Address]byte, len(accounts))
	for i, addr := range accounts {
		if i > 255 {
			return Message{}, fmt.Errorf("%w: too many accounts", ErrInvalidMessage)
		}
		index[addr] = byte(i)
	}

	compiled := make([]compiledInstruction, 0, len(instructions))
	for _, ix := range instructions {
		ci := compiledInstruction{
			programIDIndex: index[ix.ProgramID],
			data:           append([]byte(nil), ix.Data...),
		}
		for _, m := range ix.Accounts {
			ci.accountIndexes = append(ci.accountIndexes, index[m.Address])
		}
		compiled = append(compiled, ci)
	}

	return Message{
		numRequiredSignatures: byte(len(group[0]) + len(group[1])),
		numReadonlySigned:     byte(len(group[1])),
		numReadonlyUnsigned:   byte(len(group[3])),
		accounts:              accounts,
		recentBlockhash:       recentBlockhash,
		compiledInstructions:  compiled,
	}, nil
}

// Serialize encodes the message for signing and submission.
func (m Message) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteByte(m.numRequiredSignatures)
	buf.WriteByte(m.numReadonlySigned)
	buf.WriteByte(m.numReadonlyUnsigned)
	writeCompactU16(&buf, len(m.accounts))
	for _, a := range m.accounts {
		buf.Write(a[:])
	}
	buf.Write(m.recentBlockhash[:])
	writeCompactU16(&buf, len(m.compiledInstructions))
	for _, ci := range m.compiledInstructions {
		buf.WriteByte(ci.programIDIndex)
		writeCompactU16(&buf, len(ci.accountIndexes))
		buf.Write(ci.accountIndexes)
		writeCompactU16(&buf, len(ci.data))
		buf.Write(ci.data)
	}
	return buf.Bytes()
}

// Sign serializes the message and wraps it into a transaction signed by the
// given keypairs, which must cover the message's required signatures in
// account-table order.
func Sign(m Message, signers ...*chainkey.Keypair) ([]byte, error) {
	if int(m.numRequiredSignatures) != len(signers) {
		return nil, fmt.Errorf("%w: need %d signers, got %d", ErrInvalidTx, m.numRequiredSignatures, len(signers))
	}
	for i, kp := range signers {
		if kp == nil {
			return nil, fmt.Errorf("%w: nil signer %d", ErrInvalidTx, i)
		}
		if m.accounts[i] != kp.Address() {
			return nil, fmt.Errorf("%w: signer %d does not match account table", ErrInvalidTx, i)
		}
	}

	msgBytes := m.Serialize()
	var buf bytes.Buffer
	writeCompactU16(&buf, len(signers))
	for _, kp := range signers {
		sig := kp.Sign(msgBytes)
		buf.Write(sig[:])
	}
	buf.Write(msgBytes)
	return buf.Bytes(), nil
}

// Build compiles, signs with the payer only, and serializes in one step.
func Build(payer *chainkey.Keypair, instructions []Instruction, recentBlockhash [32]byte) ([]byte, error) {
	if payer == nil {
		return nil, fmt.Errorf("%w: nil payer", ErrInvalidTx)
	}
	msg, err := NewMessage(payer.Address(), instructions, recentBlockhash)
	if err != nil {
		return nil, err
	}
	if msg.numRequiredSignatures != 1 {
		return nil, fmt.Errorf("%w: message requires %d signatures", ErrInvalidTx, msg.numRequiredSignatures)
	}
	return Sign(msg, payer)
}

// ResignProviderTransaction re-signs transaction bytes built by an external
// swap provider. Providers return the transaction with placeholder
// signatures for the wallet; the message itself is treated as opaque (it
// may be a versioned message) and the first signature slot is replaced with
// the keypair's signature over it.
func ResignProviderTransaction(raw []byte, kp *chainkey.Keypair) ([]byte, error) {
	if kp == nil {
		return nil, fmt.Errorf("%w: nil keypair", ErrInvalidTx)
	}
	sigCount, sigLen, err := readCompactU16(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: signature count: %v", ErrInvalidTx, err)
	}
	if sigCount == 0 {
		return nil, fmt.Errorf("%w: no signature slots", ErrInvalidTx)
	}
	msgStart := sigLen + sigCount*64
	if msgStart >= len(raw) {
		return nil, fmt.Errorf("%w: truncated", ErrInvalidTx)
	}
	msg := raw[msgStart:]

	out := make([]byte, len(raw))
	copy(out, raw)
	sig := kp.Sign(msg)
	copy(out[sigLen:sigLen+64], sig[:])
	return out, nil
}

// MessageBytes returns the message portion of serialized transaction bytes.
func MessageBytes(raw []byte) ([]byte, error) {
	sigCount, sigLen, err := readCompactU16(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: signature count: %v", ErrInvalidTx, err)
	}
	msgStart := sigLen + sigCount*64
	if msgStart >= len(raw) {
		return nil, fmt.Errorf("%w: truncated", ErrInvalidTx)
	}
	return raw[msgStart:], nil
}

func writeCompactU16(buf *bytes.Buffer, v int) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}

func readCompactU16(raw []byte) (value, size int, err error) {
	for i := 0; i < 3; i++ {
		if i >= len(raw) {
			return 0, 0, errors.New("short input")
		}
		b := raw[i]
		value |= int(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, errors.New("overlong encoding")
}

// EncodeU64LE is a helper for little-endian instruction payload fields.
func EncodeU64LE(v uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v)
	return out
}
