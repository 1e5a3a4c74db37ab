package bytecode

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// magic prefixes every encoded module so foreign files are rejected early.
var magic = []byte("RSMV")

// Digest is the sha256 of a module's encoding.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Encode writes m in the msgpack module format.
func Encode(w io.Writer, m *Module) error {
	if m == nil {
		return fmt.Errorf("bytecode: encode nil module")
	}
	if _, err := w.Write(magic); err != nil {
		return err
	}
	enc := msgpack.NewEncoder(w)
	enc.UseCompactInts(true)
	return enc.Encode(m)
}

// Marshal is Encode into a byte slice.
func Marshal(m *Module) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a module written by Encode.
func Decode(r io.Reader) (*Module, error) {
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("bytecode: read header: %w", err)
	}
	if !bytes.Equal(head, magic) {
		return nil, fmt.Errorf("bytecode: bad magic %q", head)
	}
	var m Module
	if err := msgpack.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("bytecode: decode: %w", err)
	}
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("bytecode: unsupported format version %d (want %d)", m.Version, FormatVersion)
	}
	return &m, nil
}

// Unmarshal is Decode from a byte slice.
func Unmarshal(data []byte) (*Module, error) {
	return Decode(bytes.NewReader(data))
}

// DigestOf hashes the canonical encoding of m.
func DigestOf(m *Module) (Digest, error) {
	data, err := Marshal(m)
	if err != nil {
		return Digest{}, err
	}
	return DigestBytes(data), nil
}

// DigestBytes hashes raw module bytes.
func DigestBytes(data []byte) Digest {
	return sha256.Sum256(data)
}
