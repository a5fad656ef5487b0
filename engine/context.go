package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
)

// Flash-loan callback params travel as an opaque byte blob through the
// pool. They are encoded here as a versioned tagged union with an
// xxhash checksum and a single-use nonce, so a malformed, truncated or
// replayed context is rejected at decode rather than misexecuted.

const contextVersion = 1

type opKind uint8

const (
	opOpen opKind = iota + 1
	opUnwind
)

func (k opKind) String() string {
	switch k {
	case opOpen:
		return "open"
	case opUnwind:
		return "unwind"
	default:
		return "unknown"
	}
}

var (
	ErrContextCorrupt  = errors.New("flash context failed checksum")
	ErrContextVersion  = errors.New("unknown flash context version")
	ErrContextKind     = errors.New("unknown flash context kind")
	ErrContextConsumed = errors.New("flash context already consumed")
	ErrContextTooShort = errors.New("flash context too short")
)

// openRequest is the open-direction operation context.
type openRequest struct {
	CollateralToken    common.Address
	BorrowToken        common.Address
	CollateralReceived *big.Int
	BorrowAmount       *big.Int
	MinSwapOutput      *big.Int
	SwapInstruction    []byte
}

// unwindRequest is the unwind-direction operation context.
type unwindRequest struct {
	CollateralToken      common.Address
	DebtToken            common.Address
	CollateralToWithdraw *big.Int
	DebtAmount           *big.Int
	MinSwapOutput        *big.Int
	SwapInstruction      []byte
}

type flashContext struct {
	kind   opKind
	nonce  uint64
	caller common.Address
	open   *openRequest
	unwind *unwindRequest
}

func writeBig(buf *bytes.Buffer, v *big.Int) error {
	if v == nil {
		v = new(big.Int)
	}
	if v.Sign() < 0 || v.BitLen() > 256 {
		return fmt.Errorf("value out of range")
	}
	word := make([]byte, 32)
	v.FillBytes(word)
	buf.Write(word)
	return nil
}

func readBig(r *bytes.Reader) (*big.Int, error) {
	word := make([]byte, 32)
	if _, err := io.ReadFull(r, word); err != nil {
		return nil, ErrContextTooShort
	}
	return new(big.Int).SetBytes(word), nil
}

func readAddress(r *bytes.Reader) (common.Address, error) {
	var a common.Address
	if _, err := io.ReadFull(r, a[:]); err != nil {
		return common.Address{}, ErrContextTooShort
	}
	return a, nil
}

func (c *flashContext) encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(contextVersion)
	buf.WriteByte(byte(c.kind))
	if err := binary.Write(buf, binary.BigEndian, c.nonce); err != nil {
		return nil, err
	}
	buf.Write(c.caller.Bytes())

	switch c.kind {
	case opOpen:
		buf.Write(c.open.CollateralToken.Bytes())
		buf.Write(c.open.BorrowToken.Bytes())
		for _, v := range []*big.Int{c.open.CollateralReceived, c.open.BorrowAmount, c.open.MinSwapOutput} {
			if err := writeBig(buf, v); err != nil {
				return nil, err
			}
		}
		if err := binary.Write(buf, binary.BigEndian, uint32(len(c.open.SwapInstruction))); err != nil {
			return nil, err
		}
		buf.Write(c.open.SwapInstruction)
	case opUnwind:
		buf.Write(c.unwind.CollateralToken.Bytes())
		buf.Write(c.unwind.DebtToken.Bytes())
		for _, v := range []*big.Int{c.unwind.CollateralToWithdraw, c.unwind.DebtAmount, c.unwind.MinSwapOutput} {
			if err := writeBig(buf, v); err != nil {
				return nil, err
			}
		}
		if err := binary.Write(buf, binary.BigEndian, uint32(len(c.unwind.SwapInstruction))); err != nil {
			return nil, err
		}
		buf.Write(c.unwind.SwapInstruction)
	default:
		return nil, ErrContextKind
	}

	sum := xxhash.Sum64(buf.Bytes())
	var tail [8]byte
	binary.BigEndian.PutUint64(tail[:], sum)
	buf.Write(tail[:])
	return buf.Bytes(), nil
}

func decodeContext(params []byte) (*flashContext, error) {
	if len(params) < 2+8+20+8 {
		return nil, ErrContextTooShort
	}
	body, tail := params[:len(params)-8], params[len(params)-8:]
	if xxhash.Sum64(body) != binary.BigEndian.Uint64(tail) {
		return nil, ErrContextCorrupt
	}
	if body[0] != contextVersion {
		return nil, fmt.Errorf("version %d: %w", body[0], ErrContextVersion)
	}
	kind := opKind(body[1])

	r := bytes.NewReader(body[2:])
	var nonce uint64
	if err := binary.Read(r, binary.BigEndian, &nonce); err != nil {
		return nil, ErrContextTooShort
	}
	caller, err := readAddress(r)
	if err != nil {
		return nil, err
	}

	fc := &flashContext{kind: kind, nonce: nonce, caller: caller}
	switch kind {
	case opOpen:
		req := &openRequest{}
		if req.CollateralToken, err = readAddress(r); err != nil {
			return nil, err
		}
		if req.BorrowToken, err = readAddress(r); err != nil {
			return nil, err
		}
		if req.CollateralReceived, err = readBig(r); err != nil {
			return nil, err
		}
		if req.BorrowAmount, err = readBig(r); err != nil {
			return nil, err
		}
		if req.MinSwapOutput, err = readBig(r); err != nil {
			return nil, err
		}
		if req.SwapInstruction, err = readInstruction(r); err != nil {
			return nil, err
		}
		fc.open = req
	case opUnwind:
		req := &unwindRequest{}
		if req.CollateralToken, err = readAddress(r); err != nil {
			return nil, err
		}
		if req.DebtToken, err = readAddress(r); err != nil {
			return nil, err
		}
		if req.CollateralToWithdraw, err = readBig(r); err != nil {
			return nil, err
		}
		if req.DebtAmount, err = readBig(r); err != nil {
			return nil, err
		}
		if req.MinSwapOutput, err = readBig(r); err != nil {
			return nil, err
		}
		if req.SwapInstruction, err = readInstruction(r); err != nil {
			return nil, err
		}
		fc.unwind = req
	default:
		return nil, fmt.Errorf("kind %d: %w", body[1], ErrContextKind)
	}
	return fc, nil
}

func readInstruction(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, ErrContextTooShort
	}
	if int(n) > r.Len() {
		return nil, ErrContextTooShort
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, ErrContextTooShort
		}
	}
	return out, nil
}
